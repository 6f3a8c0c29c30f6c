package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/louhela/crateci/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupCredentialRoutes(g *echo.Group, credentialService CredentialServicer) {
	h := NewCredentialHandler(credentialService)
	credentialsGroup := g.Group("/credentials", IsAuthenticated)
	credentialsGroup.GET("", h.GetCredentials)
	credentialsGroup.POST("", h.PostCredentials, RoleMiddleware(store.Admin))
	credentialsGroup.GET("/:credential_id", h.GetCredential)
	credentialsGroup.PATCH("/:credential_id", h.PatchCredential, RoleMiddleware(store.Admin))
	credentialsGroup.DELETE("/:credential_id", h.DeleteCredential, RoleMiddleware(store.Admin))
}

type CredentialWriter interface {
	CreateCredential(
		ctx context.Context,
		username, description, sshPrivateKey string,
	) (*store.Credential, error)
	UpdateCredential(ctx context.Context, id int64, username, description string) error
	DeleteCredential(ctx context.Context, id int64) error
}

type CredentialReader interface {
	GetCredentialByID(ctx context.Context, id int64) (*store.Credential, error)
	ListCredentials(ctx context.Context) ([]*store.Credential, error)
	DecryptAES(s string) ([]byte, error)
}

type CredentialServicer interface {
	CredentialWriter
	CredentialReader
}

type CredentialHandler struct {
	credentialService CredentialServicer
}

func NewCredentialHandler(credentialService CredentialServicer) *CredentialHandler {
	return &CredentialHandler{credentialService}
}

func (h *CredentialHandler) GetCredentials(c echo.Context) error {
	credentials, err := h.credentialService.ListCredentials(c.Request().Context())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(c, err,
			http.StatusInternalServerError,
			"something went wrong while listing credentials",
		)
	}
	return c.JSON(http.StatusOK, credentials)
}

func (h *CredentialHandler) GetCredential(c echo.Context) error {
	getCredential := new(CredentialParams)
	if err := c.Bind(getCredential); err != nil {
		return newError(c, err,
			http.StatusBadRequest, "invalid credential data",
		)
	}

	credential, err := h.credentialService.GetCredentialByID(
		c.Request().Context(), getCredential.CredentialID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err,
				http.StatusNotFound, "credential was not found",
			)
		}
		return newError(c, err,
			http.StatusInternalServerError,
			"something went wrong while getting credential data",
		)
	}

	return c.JSON(http.StatusOK, credential)
}

func (h *CredentialHandler) PostCredentials(c echo.Context) error {
	cp := new(CredentialParams)
	if err := c.Bind(cp); err != nil {
		return newError(c, err,
			http.StatusBadRequest,
			"Invalid credential data",
		)
	}

	credential, err := h.credentialService.CreateCredential(
		c.Request().Context(), cp.Username, cp.Description, cp.SSHPrivateKey,
	)
	if err != nil {
		return newError(c, err,
			http.StatusInternalServerError,
			"Something went wrong when creating new credentials.",
		)
	}

	return c.JSON(http.StatusCreated, credential)
}

func (h *CredentialHandler) PatchCredential(c echo.Context) error {
	cp := new(CredentialParams)
	if err := c.Bind(cp); err != nil {
		return newError(c, err,
			http.StatusBadRequest, "invalid credential data",
		)
	}

	err := h.credentialService.UpdateCredential(
		c.Request().Context(),
		cp.CredentialID,
		strings.TrimSpace(cp.Username),
		strings.TrimSpace(cp.Description),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err,
				http.StatusNotFound, "credential was not found",
			)
		}
		return newError(c, err,
			http.StatusInternalServerError,
			"something went wrong while updating credential",
		)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *CredentialHandler) DeleteCredential(c echo.Context) error {
	cp := new(CredentialParams)
	if err := c.Bind(cp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid credential data")
	}

	if cp.CredentialID == 0 {
		return newError(c, errors.New("credential id was zero"),
			http.StatusBadRequest, "invalid credential ID",
		)
	}

	credential, err := h.credentialService.GetCredentialByID(
		c.Request().Context(), cp.CredentialID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusNotFound, "credential not found")
		}
		return newError(c, err, http.StatusNotFound, "unable to delete credential")
	}

	if err := h.credentialService.DeleteCredential(
		c.Request().Context(), credential.CredentialID,
	); err != nil {
		if isForeignKeyConstraintError(err) {
			return newError(c, err, http.StatusConflict, "credential is in use")
		}
		return newError(c, err, http.StatusInternalServerError, "unable to delete credential")
	}

	return c.NoContent(http.StatusNoContent)
}
