package api

import (
	"example.com/backstage/services/gateway/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes.
func SetupRoutes(router *gin.Engine, handlers *Handlers, publisher core.Publisher, logger *logrus.Logger) {
	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	v1 := router.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", handlers.ListDevices)
			devices.GET("/:id", handlers.GetDevice)
			devices.GET("/:id/modules", handlers.ListDeviceModules)
			devices.GET("/:id/logs", handlers.ListDeviceLogs)
			devices.POST("/:id/control", handlers.DispatchDeviceControl)
		}

		v1.POST("/control", handlers.DispatchControl)
		v1.POST("/fleet/status-request", handlers.RequestStatus(publisher))
	}
}
