package testutil

import (
	"context"

	"github.com/louhela/crateci/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockAgentService struct {
	mock.Mock
}

func (m *MockAgentService) CreateAgent(
	ctx context.Context,
	agentCredentialID int64,
	name, hostname, workspace, description, osType string,
) (*store.Agent, error) {
	args := m.Called(ctx, agentCredentialID, name, hostname, workspace, description, osType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentService) GetAgentByID(
	ctx context.Context,
	agentID int64,
) (*store.Agent, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentService) GetAgentAndCredentials(
	ctx context.Context,
	agentID int64,
) (*store.Agent, []*store.Credential, error) {
	args := m.Called(ctx, agentID)
	var agent *store.Agent
	if args.Get(0) != nil {
		agent = args.Get(0).(*store.Agent)
	}
	var credentials []*store.Credential
	if args.Get(1) != nil {
		credentials = args.Get(1).([]*store.Credential)
	}
	return agent, credentials, args.Error(2)
}

func (m *MockAgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*store.Agent), args.Error(1)
}

func (m *MockAgentService) ListAgentsAndCredentials(
	ctx context.Context,
) ([]*store.Agent, []*store.Credential, error) {
	args := m.Called(ctx)
	var agents []*store.Agent
	if args.Get(0) != nil {
		agents = args.Get(0).([]*store.Agent)
	}
	var credentials []*store.Credential
	if args.Get(1) != nil {
		credentials = args.Get(1).([]*store.Credential)
	}
	return agents, credentials, args.Error(2)
}

func (m *MockAgentService) UpdateAgent(
	ctx context.Context,
	agentID int64,
	agentCredentialID int64,
	name, hostname, workspace, description, osType string,
) error {
	args := m.Called(
		ctx, agentID, agentCredentialID, name, hostname, workspace, description, osType,
	)
	return args.Error(0)
}

func (m *MockAgentService) DeleteAgent(ctx context.Context, agentID int64) error {
	args := m.Called(ctx, agentID)
	return args.Error(0)
}

func (m *MockAgentService) TestAgentConnection(ctx context.Context, agentID int64) error {
	args := m.Called(ctx, agentID)
	return args.Error(0)
}
