package handler

import (
	"net/http"
	"time"

	"github.com/louhela/crateci/internal"
	"github.com/louhela/crateci/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupConfigRoutes(g *echo.Group) {
	configGroup := g.Group("/config", IsAuthenticated, RoleMiddleware(store.Admin))
	configGroup.GET("", GetConfig)
	configGroup.POST("", PostConfig)
}

func GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, internal.Config)
}

func PostConfig(c echo.Context) error {
	cp := new(ConfigParams)
	if err := c.Bind(cp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid config data")
	}

	config := &internal.Configuration{
		SessionExpiresHours: internal.HoursDuration(
			time.Duration(cp.SessionExpiresHours) * time.Hour,
		),
		QueueSize: cp.QueueSize,
		DeliveryExpiresHours: internal.HoursDuration(
			time.Duration(cp.DeliveryExpiresHours) * time.Hour,
		),
	}

	if err := internal.UpdateConfiguration(config); err != nil {
		return newError(
			c, err,
			http.StatusInternalServerError,
			"unable to update configuration file",
		)
	}

	return c.JSON(http.StatusOK, internal.Config)
}
