package store

import (
	"context"
)

type Pipeline struct {
	PipelineID      int64  `json:"pipeline_id" param:"pipeline_id"`
	PipelineAgentID int64  `json:"pipeline_agent_id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	// Git repository URL
	Repository string `json:"repository"`
	// Branch whose pushes and pull requests trigger runs
	Branch string `json:"branch"`
	// Path of the optional crateci manifest within the repository
	ManifestPath string `json:"manifest_path"`
	// Pipeline schedule in cron syntax
	Schedule *string `json:"schedule"`
	// Scheduled job ID
	ScheduleJobID *string `json:"schedule_job_id"`
}

type PipelineRunData struct {
	PipelineID        int64
	AgentID           int64
	OSType            string
	CredentialID      *int64
	Repository        string
	Branch            string
	ManifestPath      string
	Hostname          string
	Workspace         string
	Username          *string
	SSHPrivateKeyHash *string
	SSHPrivateKey     []byte
}

type PipelineStore interface {
	CreatePipeline(
		context.Context,
		int64,
		string,
		string,
		string,
		string,
		string,
	) (*Pipeline, error)
	ReadPipelineByID(context.Context, int64) (*Pipeline, error)
	ReadPipelineByRepository(context.Context, string) (*Pipeline, error)
	ReadPipelineRunData(context.Context, int64) (*PipelineRunData, error)
	UpdatePipeline(context.Context, int64, int64, string, string, string, string, string) error
	UpdatePipelineSchedule(context.Context, int64, *string, *string) error
	UpdatePipelineScheduleJobID(context.Context, int64, *string) error
	DeletePipeline(context.Context, int64) error
	ListPipelines(context.Context) ([]*Pipeline, error)
	ListScheduledPipelines(context.Context) ([]*Pipeline, error)
}
