package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/louhela/crateci/internal/store"
	"github.com/labstack/echo/v4"
)

type UserCookieServicer interface {
	RemoveSessionCookie(echo.Context)
}

func SetupUserRoutes(
	g *echo.Group,
	userService UserServicer,
	cookieService UserCookieServicer,
) {
	h := NewUserHandler(userService, cookieService)
	usersGroup := g.Group("/users", IsAuthenticated)
	usersGroup.GET("", h.GetUsers, RoleMiddleware(store.Admin))
	usersGroup.POST("", h.PostUsers, RoleMiddleware(store.Admin))
	usersGroup.GET("/me", h.GetProfile)
	usersGroup.DELETE("/:user_id", h.DeleteUser, RoleMiddleware(store.Admin))
	usersGroup.PATCH("/:user_id/change-password", h.PatchChangeUserPassword)
	usersGroup.PATCH(
		"/:user_id/reset-password",
		h.PatchResetUserPassword,
		RoleMiddleware(store.Admin),
	)
	usersGroup.PATCH("/:user_id/role", h.PatchUserRole, RoleMiddleware(store.Superuser))
}

type UserWriter interface {
	CreateUser(
		ctx context.Context,
		userRoleID store.Role,
		username, password string,
	) (*store.User, error)
	ChangeUserPassword(
		ctx context.Context,
		userID int64,
		oldPassword, newPassword string,
	) error
	ResetUserPassword(
		ctx context.Context,
		userID int64,
		newPassword string,
	) error
	DeleteUser(ctx context.Context, u *store.User) error
	UpdateUserRole(ctx context.Context, userID int64, role store.Role) error
}

type UserReader interface {
	GetUserByID(ctx context.Context, userID int64) (*store.User, error)
	ListUsers(ctx context.Context) ([]*store.User, error)
}

type UserServicer interface {
	UserWriter
	UserReader
}

type UserHandler struct {
	userService   UserServicer
	cookieService UserCookieServicer
}

func NewUserHandler(
	userService UserServicer,
	cookieService UserCookieServicer,
) *UserHandler {
	return &UserHandler{userService, cookieService}
}

func (h *UserHandler) GetUsers(c echo.Context) error {
	users, err := h.userService.ListUsers(c.Request().Context())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusInternalServerError, "unable to list users")
		}
	}
	return c.JSON(http.StatusOK, users)
}

func (h *UserHandler) PostUsers(c echo.Context) error {
	up := new(UserParams)
	if err := c.Bind(up); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid user data")
	}

	u, err := h.userService.CreateUser(
		c.Request().Context(),
		up.UserRoleID,
		up.Username,
		up.Password,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return newError(
				c, err,
				http.StatusConflict,
				fmt.Sprintf("A user with username '%s' already exists", up.Username),
			)
		}
		return newError(c, err, http.StatusInternalServerError, "Unable to create user")
	}

	return c.JSON(http.StatusCreated, u)
}

func (h *UserHandler) PatchChangeUserPassword(c echo.Context) error {
	ctxUser := getCtxUser(c)

	pup := new(PatchUserPasswordParams)
	if err := c.Bind(pup); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid user data")
	}
	if pup.Password != pup.PasswordConfirm {
		return newError(c, nil, http.StatusBadRequest, "passwords do not match")
	}

	if pup.UserID != ctxUser.UserID {
		return newError(c, nil, http.StatusForbidden, "unable to change another user's password")
	}

	if err := h.userService.ChangeUserPassword(
		c.Request().Context(),
		pup.UserID,
		pup.OldPassword,
		pup.Password,
	); err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to change user's password")
	}

	h.cookieService.RemoveSessionCookie(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *UserHandler) PatchResetUserPassword(c echo.Context) error {
	pup := new(PatchUserPasswordParams)
	if err := c.Bind(pup); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid user data")
	}

	if _, err := h.userService.GetUserByID(c.Request().Context(), pup.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusBadRequest, "user not found")
		}
		return newError(c, err, http.StatusInternalServerError, "something went wrong")
	}

	if err := h.userService.ResetUserPassword(
		c.Request().Context(), pup.UserID, pup.Password,
	); err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to reset user's password")
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *UserHandler) DeleteUser(c echo.Context) error {
	pup := new(PatchUserParams)
	if err := c.Bind(pup); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid user data")
	}

	user, err := h.userService.GetUserByID(c.Request().Context(), pup.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusBadRequest, "user not found")
		}
		return newError(c, err, http.StatusInternalServerError, "something went wrong")
	}

	if user.IsSuperuser() {
		return newError(c, err, http.StatusForbidden, "cannot delete superuser")
	}

	if err := h.userService.DeleteUser(c.Request().Context(), user); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusBadRequest, "user not found")
		}
		return newError(c, err, http.StatusInternalServerError, "unable to delete user.")
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *UserHandler) PatchUserRole(c echo.Context) error {
	pu := new(PatchUserParams)
	if err := c.Bind(pu); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid user data")
	}

	u, err := h.userService.GetUserByID(c.Request().Context(), pu.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusBadRequest, "user not found")
		}
		return newError(c, err, http.StatusInternalServerError, "something went wrong")
	}

	if err := h.userService.UpdateUserRole(
		c.Request().Context(),
		pu.UserID,
		pu.RoleID,
	); err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to update user role")
	}

	u.UserRoleID = pu.RoleID
	return c.JSON(http.StatusOK, u)
}

func (h *UserHandler) GetProfile(c echo.Context) error {
	return c.JSON(http.StatusOK, getCtxUser(c))
}
