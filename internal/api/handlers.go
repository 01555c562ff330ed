package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/gateway/internal/core"
	"github.com/gin-gonic/gin"
)

// HealthChecker reports the liveness of one collaborator.
type HealthChecker func(ctx context.Context) error

// Handlers holds the HTTP handlers of the gateway.
type Handlers struct {
	services *core.Services
	health   map[string]HealthChecker
}

// NewHandlers creates a new handler set. The health map keys become the
// component names on the health endpoint.
func NewHandlers(services *core.Services, health map[string]HealthChecker) *Handlers {
	return &Handlers{services: services, health: health}
}

// HealthCheck reports per-component health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	components := make(gin.H, len(h.health))
	for name, check := range h.health {
		if err := check(c.Request.Context()); err != nil {
			components[name] = gin.H{"healthy": false, "error": err.Error()}
			status = http.StatusServiceUnavailable
		} else {
			components[name] = gin.H{"healthy": true}
		}
	}

	c.JSON(status, gin.H{
		"service":    "fleet-gateway",
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

// --- Device query endpoints ---

// ListDevices returns every known device.
func (h *Handlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Query.ListDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice retrieves one device.
func (h *Handlers) GetDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	device, err := h.services.Query.GetDevice(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		}
		return
	}

	c.JSON(http.StatusOK, device)
}

// ListDeviceModules returns a device's module inventory.
func (h *Handlers) ListDeviceModules(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	modules, err := h.services.Query.ListDeviceModules(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list modules"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"modules": modules,
		"count":   len(modules),
	})
}

// ListDeviceLogs returns a device's audit trail, ascending.
func (h *Handlers) ListDeviceLogs(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	logs, err := h.services.Query.ListDeviceLogs(c.Request.Context(), id, limit)
	if err != nil {
		if errors.Is(err, core.ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}

// --- Control endpoints ---

// DispatchControl sends a heterogeneous batch of control intents, grouped
// by each intent's device id. Responds with the per-device outcome report.
func (h *Handlers) DispatchControl(c *gin.Context) {
	intents, ok := bindIntents(c)
	if !ok {
		return
	}

	report, err := h.services.Dispatch.Dispatch(c.Request.Context(), intents)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed", "report": report})
		return
	}

	c.JSON(http.StatusOK, report)
}

// DispatchDeviceControl sends a batch of control intents to one device.
func (h *Handlers) DispatchDeviceControl(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	intents, ok := bindIntents(c)
	if !ok {
		return
	}

	report, err := h.services.Dispatch.DispatchToDevice(c.Request.Context(), id, intents)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispatch failed", "report": report})
		return
	}

	if len(report.UnknownDevices) > 0 {
		c.JSON(http.StatusNotFound, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// RequestStatus broadcasts a status request to the whole fleet.
func (h *Handlers) RequestStatus(publisher core.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := publisher.Publish(c.Request.Context(), core.TopicStatusRequest, []byte{}); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to publish status request"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"topic": core.TopicStatusRequest})
	}
}

func deviceID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, core.BusinessError{
			Code:    "INVALID_DEVICE_ID",
			Message: "device id must be a positive integer",
		})
		return 0, false
	}
	return uint(id), true
}

// bindIntents decodes and validates a control batch body.
func bindIntents(c *gin.Context) ([]core.ControlIntent, bool) {
	var intents []core.ControlIntent
	if err := c.ShouldBindJSON(&intents); err != nil {
		c.JSON(http.StatusBadRequest, core.BusinessError{
			Code:    "INVALID_CONTROL_BATCH",
			Message: err.Error(),
		})
		return nil, false
	}
	if len(intents) == 0 {
		c.JSON(http.StatusBadRequest, core.BusinessError{
			Code:    "EMPTY_CONTROL_BATCH",
			Message: "control batch must contain at least one intent",
		})
		return nil, false
	}
	return intents, true
}
