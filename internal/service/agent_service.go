package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/util"
	"golang.org/x/crypto/ssh"
)

type CredentialServicer interface {
	GetCredentialByID(context.Context, int64) (*store.Credential, error)
	ListCredentials(context.Context) ([]*store.Credential, error)
	DecryptAES(string) ([]byte, error)
}

type AgentService struct {
	agentStore store.AgentStore

	credentialService CredentialServicer
}

func NewAgentService(s store.AgentStore, cs CredentialServicer) *AgentService {
	return &AgentService{agentStore: s, credentialService: cs}
}

// InitializeControllerAgent makes sure the controller machine itself is
// registered as an agent, so pipelines work before any SSH agent has
// been added.
func (s *AgentService) InitializeControllerAgent(ctx context.Context) error {
	agents, err := s.agentStore.ListAgents(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	for _, a := range agents {
		if a.IsController() {
			return nil
		}
	}
	_, err = s.agentStore.CreateControllerAgent(ctx)
	return err
}

func (s *AgentService) CreateAgent(
	ctx context.Context,
	agentCredentialID int64,
	name, hostname, workspace, description, osType string,
) (*store.Agent, error) {
	a, err := s.agentStore.CreateAgent(
		ctx,
		credentialRef(agentCredentialID),
		name,
		hostname,
		workspace,
		description,
		osType,
	)
	return a, err
}

// credentialRef maps the API's zero-means-none credential ID to the
// store's nullable model; agents without a credential run locally.
func credentialRef(agentCredentialID int64) *int64 {
	if agentCredentialID == 0 {
		return nil
	}
	return &agentCredentialID
}

func (s *AgentService) GetAgentByID(ctx context.Context, agentID int64) (*store.Agent, error) {
	a, err := s.agentStore.ReadAgentByID(ctx, agentID)
	return a, err
}

func (s *AgentService) GetAgentAndCredentials(
	ctx context.Context,
	id int64,
) (*store.Agent, []*store.Credential, error) {
	a, err := s.agentStore.ReadAgentByID(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}
	credentials, err := s.credentialService.ListCredentials(ctx)
	if err != nil {
		return nil, nil, err
	}
	return a, credentials, nil
}

func (s *AgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return s.agentStore.ListAgents(ctx)
}

func (s *AgentService) ListAgentsAndCredentials(
	ctx context.Context,
) ([]*store.Agent, []*store.Credential, error) {
	agents, err := s.agentStore.ListAgents(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}

	credentials, err := s.credentialService.ListCredentials(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}

	return agents, credentials, nil
}

func (s *AgentService) UpdateAgent(
	ctx context.Context,
	agentID int64,
	agentCredentialID int64,
	name, hostname, workspace, description, osType string,
) error {
	err := s.agentStore.UpdateAgent(
		ctx,
		agentID,
		credentialRef(agentCredentialID),
		name,
		hostname,
		workspace,
		description,
		osType,
	)
	return err
}

func (s *AgentService) DeleteAgent(ctx context.Context, agentID int64) error {
	return s.agentStore.DeleteAgent(ctx, agentID)
}

func (s *AgentService) TestAgentConnection(ctx context.Context, agentID int64) error {
	a, err := s.GetAgentByID(ctx, agentID)
	if err != nil {
		return err
	}

	if a.IsController() {
		exists, err := util.PathExists(a.Workspace)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("controller workspace %s does not exist", a.Workspace)
		}
		return nil
	}

	cred, err := s.credentialService.GetCredentialByID(ctx, *a.AgentCredentialID)
	if err != nil {
		return err
	}

	privateKey, err := s.credentialService.DecryptAES(cred.SSHPrivateKeyHash)
	if err != nil {
		return err
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return err
	}
	auth := ssh.PublicKeys(signer)
	cc := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", util.SSHAddress(a.Hostname), cc)
	if err != nil {
		return err
	}
	defer client.Close()
	return nil
}
