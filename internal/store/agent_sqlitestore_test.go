package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/louhela/crateci/internal"
	"github.com/stretchr/testify/suite"
)

type agentSQLiteStoreSuite struct {
	agentStore      *AgentSQLiteStore
	credentialStore *CredentialSQLiteStore
	db              *sql.DB
	suite.Suite
}

func TestAgentSQLiteStore(t *testing.T) {
	suite.Run(t, new(agentSQLiteStoreSuite))
}

func (suite *agentSQLiteStoreSuite) SetupSuite() {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	suite.db = db
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		log.Fatal(err)
	}

	RunMigrations(db, internal.MigrationsDir)

	suite.agentStore = NewAgentSQLiteStore(db, db)
	suite.credentialStore = NewCredentialSQLiteStore(db, db)
}

func (suite *agentSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_CreateControllerAgent() {
	suite.Run("success - controller agent has no credential", func() {
		// act
		a, err := suite.agentStore.CreateControllerAgent(context.Background())

		// assert
		suite.NoError(err)
		suite.NotNil(a)
		suite.Nil(a.AgentCredentialID)
		suite.True(a.IsController())
		suite.Equal("localhost", a.Hostname)
		suite.Equal(runtime.GOOS, a.OSType)
	})
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_CreateLocalAgent() {
	suite.Run("success - agent without credential runs locally", func() {
		// act
		a, err := suite.agentStore.CreateAgent(
			context.Background(),
			nil,
			fmt.Sprintf("local%d", time.Now().UTC().UnixNano()),
			"localhost",
			"/var/lib/crateci",
			"second local workspace",
			"linux",
		)

		// assert
		suite.NoError(err)
		suite.NotNil(a)
		suite.Nil(a.AgentCredentialID)
		suite.True(a.IsController())
	})
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_CreateAgent() {
	suite.Run("success - agent created", func() {
		// arrange
		credential := suite.createCredential()

		// act
		a, err := suite.agentStore.CreateAgent(
			context.Background(),
			&credential.CredentialID,
			"builder-1",
			"builder-1.internal",
			"/var/lib/crateci",
			"x86_64 build machine",
			"linux",
		)

		// assert
		suite.NoError(err)
		suite.NotNil(a)
		suite.NotEqual(0, a.AgentID)
		suite.NotNil(a.AgentCredentialID)
		suite.Equal(credential.CredentialID, *a.AgentCredentialID)
		suite.False(a.IsController())
		suite.Equal("builder-1", a.Name)
		suite.Equal("linux", a.OSType)
	})
	suite.Run("failure - unknown credential", func() {
		// arrange
		var credentialID int64 = 99887

		// act
		a, err := suite.agentStore.CreateAgent(
			context.Background(),
			&credentialID,
			"builder-x",
			"builder-x.internal",
			"/var/lib/crateci",
			"",
			"linux",
		)

		// assert
		suite.Error(err)
		suite.Nil(a)
	})
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_ReadAgentByID() {
	suite.Run("success - agent found", func() {
		// arrange
		expectedAgent := suite.createAgent()

		// act
		a, err := suite.agentStore.ReadAgentByID(context.Background(), expectedAgent.AgentID)

		// assert
		suite.NoError(err)
		suite.NotNil(a)
		suite.Equal(expectedAgent.Name, a.Name)
		suite.Equal(expectedAgent.Hostname, a.Hostname)
		suite.Equal(expectedAgent.Workspace, a.Workspace)
	})
	suite.Run("failure - agent not found", func() {
		// act
		a, err := suite.agentStore.ReadAgentByID(context.Background(), 55111)

		// assert
		suite.Error(err)
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(a)
	})
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_UpdateAgent() {
	suite.Run("success - agent updates", func() {
		// arrange
		agent := suite.createAgent()

		// act
		updateErr := suite.agentStore.UpdateAgent(
			context.Background(),
			agent.AgentID,
			agent.AgentCredentialID,
			"renamed",
			"renamed.internal",
			"/srv/crateci",
			"moved to new rack",
			"linux",
		)
		a, readErr := suite.agentStore.ReadAgentByID(context.Background(), agent.AgentID)

		// assert
		suite.NoError(updateErr)
		suite.NoError(readErr)
		suite.Equal("renamed", a.Name)
		suite.Equal("renamed.internal", a.Hostname)
		suite.Equal("/srv/crateci", a.Workspace)
		suite.Equal("moved to new rack", a.Description)
	})
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_DeleteAgent() {
	suite.Run("success - agent is deleted", func() {
		// arrange
		agent := suite.createAgent()

		// act
		deleteErr := suite.agentStore.DeleteAgent(context.Background(), agent.AgentID)
		a, readErr := suite.agentStore.ReadAgentByID(context.Background(), agent.AgentID)

		// assert
		suite.NoError(deleteErr)
		suite.Error(readErr)
		suite.Nil(a)
	})
}

func (suite *agentSQLiteStoreSuite) TestAgentSQLiteStore_ListAgents() {
	suite.Run("success - agents found", func() {
		// arrange
		expectedAgent := suite.createAgent()

		// act
		agents, err := suite.agentStore.ListAgents(context.Background())

		// assert
		suite.NoError(err)
		suite.True(len(agents) >= 1)
		suite.True(slices.ContainsFunc(agents, func(a *Agent) bool {
			return a.AgentID == expectedAgent.AgentID
		}))
	})
}

func (suite *agentSQLiteStoreSuite) createCredential() *Credential {
	c, err := suite.credentialStore.CreateCredential(
		context.Background(),
		fmt.Sprintf("deployuser%d", time.Now().UTC().UnixNano()),
		"agent credential",
		"encrypted-key-material",
	)
	suite.NoError(err)
	return c
}

func (suite *agentSQLiteStoreSuite) createAgent() *Agent {
	credential := suite.createCredential()
	a, err := suite.agentStore.CreateAgent(
		context.Background(),
		&credential.CredentialID,
		fmt.Sprintf("agent%d", time.Now().UTC().UnixNano()),
		fmt.Sprintf("agent%d.internal", time.Now().UTC().UnixNano()),
		"/var/lib/crateci",
		"build machine",
		"linux",
	)
	suite.NoError(err)
	return a
}
