package handler

import (
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/testutil"
	"github.com/louhela/crateci/internal/util"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func okHandler(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func TestSessionMiddleware(t *testing.T) {
	t.Run("success - session resolves to user", func(t *testing.T) {
		// arrange
		userService := new(testutil.MockUserService)
		cookieService := new(testutil.MockCookieService)
		expectedUser := &store.User{UserID: 1, Username: "testuser"}
		cookieService.On("GetSessionID", mock.Anything).Return("sessionid", nil)
		userService.On("GetUserBySessionID", mock.Anything, "sessionid").
			Return(expectedUser, nil)
		c, _ := newPipelineTestContext(t, http.MethodGet, "/pipelines", "")
		mw := SessionMiddleware(userService, cookieService)

		// act
		err := mw(func(c echo.Context) error {
			// assert
			assert.Equal(t, expectedUser, getCtxUser(c))
			return c.NoContent(http.StatusOK)
		})(c)

		assert.NoError(t, err)
	})
	t.Run("success - missing cookie continues anonymously", func(t *testing.T) {
		// arrange
		userService := new(testutil.MockUserService)
		cookieService := new(testutil.MockCookieService)
		cookieService.On("GetSessionID", mock.Anything).
			Return("", errors.New("http: named cookie not present"))
		c, _ := newPipelineTestContext(t, http.MethodGet, "/pipelines", "")
		mw := SessionMiddleware(userService, cookieService)

		// act
		err := mw(func(c echo.Context) error {
			// assert
			assert.Nil(t, getCtxUser(c))
			return c.NoContent(http.StatusOK)
		})(c)

		assert.NoError(t, err)
		userService.AssertNotCalled(
			t, "GetUserBySessionID", mock.Anything, mock.Anything,
		)
	})
	t.Run("success - expired session continues anonymously", func(t *testing.T) {
		// arrange
		userService := new(testutil.MockUserService)
		cookieService := new(testutil.MockCookieService)
		cookieService.On("GetSessionID", mock.Anything).Return("sessionid", nil)
		userService.On("GetUserBySessionID", mock.Anything, "sessionid").
			Return(nil, sql.ErrNoRows)
		c, _ := newPipelineTestContext(t, http.MethodGet, "/pipelines", "")
		mw := SessionMiddleware(userService, cookieService)

		// act
		err := mw(func(c echo.Context) error {
			// assert
			assert.Nil(t, getCtxUser(c))
			return c.NoContent(http.StatusOK)
		})(c)

		assert.NoError(t, err)
	})
}

func TestIsAuthenticated(t *testing.T) {
	t.Run("success - authenticated user passes", func(t *testing.T) {
		// arrange
		c, rec := newPipelineTestContext(t, http.MethodGet, "/pipelines", "")
		c.Set("user", &store.User{
			UserID:            1,
			Username:          "testuser",
			PasswordChangedOn: util.AsPtr(time.Now().UTC()),
		})

		// act
		err := IsAuthenticated(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("failure - anonymous request is rejected", func(t *testing.T) {
		// arrange
		c, _ := newPipelineTestContext(t, http.MethodGet, "/pipelines", "")

		// act
		err := IsAuthenticated(okHandler)(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusUnauthorized, he.Code)
	})
	t.Run("failure - user with unset password is rejected", func(t *testing.T) {
		// arrange
		c, _ := newPipelineTestContext(t, http.MethodGet, "/pipelines", "")
		c.Set("user", &store.User{UserID: 1, Username: "testuser"})

		// act
		err := IsAuthenticated(okHandler)(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusForbidden, he.Code)
	})
}

func TestRoleMiddleware(t *testing.T) {
	t.Run("success - admin passes admin requirement", func(t *testing.T) {
		// arrange
		c, rec := newPipelineTestContext(t, http.MethodPost, "/pipelines", "")
		c.Set("user", &store.User{UserID: 1, UserRoleID: store.Admin})

		// act
		err := RoleMiddleware(store.Admin)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("success - superuser passes admin requirement", func(t *testing.T) {
		// arrange
		c, rec := newPipelineTestContext(t, http.MethodPost, "/pipelines", "")
		c.Set("user", &store.User{UserID: 1, UserRoleID: store.Superuser})

		// act
		err := RoleMiddleware(store.Admin)(okHandler)(c)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("failure - operator fails admin requirement", func(t *testing.T) {
		// arrange
		c, _ := newPipelineTestContext(t, http.MethodPost, "/pipelines", "")
		c.Set("user", &store.User{UserID: 1, UserRoleID: store.Operator})

		// act
		err := RoleMiddleware(store.Admin)(okHandler)(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusForbidden, he.Code)
	})
	t.Run("failure - anonymous request fails role requirement", func(t *testing.T) {
		// arrange
		c, _ := newPipelineTestContext(t, http.MethodPost, "/pipelines", "")

		// act
		err := RoleMiddleware(store.Admin)(okHandler)(c)

		// assert
		he, ok := err.(*echo.HTTPError)
		assert.True(t, ok)
		assert.Equal(t, http.StatusForbidden, he.Code)
	})
}
