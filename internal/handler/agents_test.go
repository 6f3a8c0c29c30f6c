package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/testutil"
	"github.com/louhela/crateci/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestAgentHandler_GetAgents(t *testing.T) {
	t.Run("success - agents listed", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On("ListAgents", mock.Anything).Return(
			[]*store.Agent{
				{AgentID: 1, Name: "Localhost", Hostname: "localhost"},
				{AgentID: 2, Name: "builder-1", Hostname: "10.0.0.5"},
			}, nil,
		)
		c, rec := newPipelineTestContext(t, http.MethodGet, "/agents", "")

		// act
		err := h.GetAgents(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
		var agents []*store.Agent
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
		assert.Len(t, agents, 2)
	})
}

func TestAgentHandler_PostAgent(t *testing.T) {
	t.Run("success - agent created", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		expected := &store.Agent{
			AgentID:           2,
			AgentCredentialID: util.AsPtr(int64(1)),
			Name:              "builder-1",
			Hostname:          "10.0.0.5",
			Workspace:         "/var/lib/crateci",
			OSType:            "linux",
		}
		agentService.On(
			"CreateAgent",
			mock.Anything,
			int64(1),
			"builder-1",
			"10.0.0.5",
			"/var/lib/crateci",
			"",
			"linux",
		).Return(expected, nil)
		body := `{
			"agent_credential_id": 1,
			"name": "builder-1",
			"hostname": "10.0.0.5",
			"workspace": "/var/lib/crateci",
			"os_type": "linux"
		}`
		c, rec := newPipelineTestContext(t, http.MethodPost, "/agents", body)

		// act
		err := h.PostAgent(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusCreated, rec.Code)
		var a store.Agent
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
		assert.Equal(t, expected.AgentID, a.AgentID)
		assert.Equal(t, expected.Name, a.Name)
	})
	t.Run("failure - store error", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On(
			"CreateAgent",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything,
			mock.Anything, mock.Anything, mock.Anything,
		).Return(nil, sql.ErrConnDone)
		c, _ := newPipelineTestContext(
			t, http.MethodPost, "/agents", `{"name": "builder-1"}`,
		)

		// act
		err := h.PostAgent(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusInternalServerError, he.Code)
	})
}

func TestAgentHandler_GetAgent(t *testing.T) {
	t.Run("success - agent found", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On("GetAgentAndCredentials", mock.Anything, int64(2)).Return(
			&store.Agent{AgentID: 2, Name: "builder-1"},
			[]*store.Credential{{CredentialID: 1, Username: "ci"}},
			nil,
		)
		c, rec := newPipelineTestContext(t, http.MethodGet, "/agents/2", "")
		c.SetPath("/agents/:agent_id")
		c.SetParamNames("agent_id")
		c.SetParamValues("2")

		// act
		err := h.GetAgent(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("failure - unknown agent", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On("GetAgentAndCredentials", mock.Anything, int64(42)).Return(
			nil, nil, sql.ErrNoRows,
		)
		c, _ := newPipelineTestContext(t, http.MethodGet, "/agents/42", "")
		c.SetPath("/agents/:agent_id")
		c.SetParamNames("agent_id")
		c.SetParamValues("42")

		// act
		err := h.GetAgent(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusNotFound, he.Code)
	})
}

func TestAgentHandler_DeleteAgent(t *testing.T) {
	t.Run("success - agent deleted", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On("GetAgentByID", mock.Anything, int64(2)).Return(
			&store.Agent{AgentID: 2, Name: "builder-1"}, nil,
		)
		agentService.On("DeleteAgent", mock.Anything, int64(2)).Return(nil)
		c, rec := newPipelineTestContext(t, http.MethodDelete, "/agents/2", "")
		c.SetPath("/agents/:agent_id")
		c.SetParamNames("agent_id")
		c.SetParamValues("2")

		// act
		err := h.DeleteAgent(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
	t.Run("failure - agent id is zero", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		c, _ := newPipelineTestContext(t, http.MethodDelete, "/agents/0", "")
		c.SetPath("/agents/:agent_id")
		c.SetParamNames("agent_id")
		c.SetParamValues("0")

		// act
		err := h.DeleteAgent(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, he.Code)
	})
}

func TestAgentHandler_PostTestAgentConnection(t *testing.T) {
	t.Run("success - connection ok", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On("TestAgentConnection", mock.Anything, int64(2)).Return(nil)
		c, rec := newPipelineTestContext(
			t, http.MethodPost, "/agents/2/test-connection", "",
		)
		c.SetPath("/agents/:agent_id/test-connection")
		c.SetParamNames("agent_id")
		c.SetParamValues("2")

		// act
		err := h.PostTestAgentConnection(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("failure - connection test fails", func(t *testing.T) {
		// arrange
		agentService := new(testutil.MockAgentService)
		h := NewAgentHandler(agentService)
		agentService.On("TestAgentConnection", mock.Anything, int64(2)).Return(
			errors.New("dial tcp: connection refused"),
		)
		c, _ := newPipelineTestContext(
			t, http.MethodPost, "/agents/2/test-connection", "",
		)
		c.SetPath("/agents/:agent_id/test-connection")
		c.SetParamNames("agent_id")
		c.SetParamValues("2")

		// act
		err := h.PostTestAgentConnection(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusInternalServerError, he.Code)
	})
}
