package store

import "context"

type Agent struct {
	AgentID           int64  `json:"agent_id" param:"agent_id"`
	AgentCredentialID *int64 `json:"agent_credential_id"`
	Name              string `json:"name"`
	Hostname          string `json:"hostname"`
	Workspace         string `json:"workspace"`
	Description       string `json:"description"`
	OSType            string `json:"os_type"`
}

// IsController reports whether the agent is the controller machine
// itself; such agents run their steps locally instead of over SSH.
func (a *Agent) IsController() bool {
	return a.AgentCredentialID == nil
}

type AgentStore interface {
	CreateControllerAgent(context.Context) (*Agent, error)
	CreateAgent(context.Context, *int64, string, string, string, string, string) (*Agent, error)
	ReadAgentByID(context.Context, int64) (*Agent, error)
	UpdateAgent(context.Context, int64, *int64, string, string, string, string, string) error
	DeleteAgent(context.Context, int64) error
	ListAgents(context.Context) ([]*Agent, error)
}
