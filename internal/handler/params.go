package handler

import "github.com/louhela/crateci/internal/store"

type CredentialParams struct {
	CredentialID  int64  `json:"credential_id"   param:"credential_id"`
	Username      string `json:"username"`
	Description   string `json:"description"`
	SSHPrivateKey string `json:"ssh_private_key"`
}

type AgentParams struct {
	AgentID           int64  `json:"agent_id"            param:"agent_id"`
	AgentCredentialID int64  `json:"agent_credential_id"`
	Name              string `json:"name"`
	Hostname          string `json:"hostname"`
	Workspace         string `json:"workspace"`
	Description       string `json:"description"`
	OSType            string `json:"os_type"`
}

type PipelineParams struct {
	PipelineID      int64   `json:"pipeline_id"   param:"pipeline_id"`
	PipelineAgentID int64   `json:"pipeline_agent_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Repository      string  `json:"repository"`
	Branch          string  `json:"branch"`
	ManifestPath    string  `json:"manifest_path"`
	Schedule        *string `json:"schedule"`
}

type RunParams struct {
	PipelineID int64  `param:"pipeline_id"`
	RunID      int64  `param:"run_id"`
	Branch     string `json:"branch"`
	CommitSHA  string `json:"commit_sha"`
}

type ListRunsParams struct {
	PipelineID int64 `param:"pipeline_id"`
	Page       int64 `query:"page"`
}

type PatchUserParams struct {
	UserID int64      `param:"user_id"`
	RoleID store.Role `json:"role_id"`
}

type PatchUserPasswordParams struct {
	UserID          int64  `param:"user_id"`
	OldPassword     string `json:"old_password"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type UserParams struct {
	UserID          int64      `param:"user_id"`
	UserRoleID      store.Role `json:"user_role_id"`
	Username        string     `json:"username"`
	Password        string     `json:"password"`
	PasswordConfirm string     `json:"password_confirm"`
}

type APIKeyParams struct {
	ID int64 `param:"id"`
}

type ConfigParams struct {
	SessionExpiresHours  int64 `json:"session_expires_hours"`
	QueueSize            int64 `json:"queue_size"`
	DeliveryExpiresHours int64 `json:"delivery_expires_hours"`
}

// PushHookParams is the payload of a push webhook. Ref holds the full
// git ref of the pushed branch, After the head commit of the push.
type PushHookParams struct {
	DeliveryID string `json:"delivery_id"`
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
	After      string `json:"after"`
}

// PullRequestHookParams is the payload of a pull request webhook for
// the opened and synchronize events.
type PullRequestHookParams struct {
	DeliveryID string `json:"delivery_id"`
	Action     string `json:"action"`
	Repository string `json:"repository"`
	BaseBranch string `json:"base_branch"`
	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha"`
}
