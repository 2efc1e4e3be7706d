package http

import (
	"context"
	"net/http"
	"strconv"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	apperrors "dsplink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ControlHandler exposes device writes. Every failure reaches the caller.
type ControlHandler struct {
	devices *DeviceResolver
	control ports.ControlService
	logger  *zap.SugaredLogger
}

func NewControlHandler(devices *DeviceResolver, control ports.ControlService, logger *zap.SugaredLogger) *ControlHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ControlHandler{devices: devices, control: control, logger: logger}
}

func (h *ControlHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/devices/:id")
	{
		api.POST("/zones/:zone/gain", h.SetZoneGain)
		api.POST("/zones/:zone/mute", h.SetZoneMute)
		api.POST("/zones/:zone/source", h.SetZoneSource)
		api.POST("/sources/:source/gain", h.SetSourceGain)
		api.POST("/groups/:group/gain", h.SetGroupGain)
	}
}

type gainRequest struct {
	Gain *float64 `json:"gain" binding:"required"`
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type sourceRequest struct {
	// Source -1 disconnects the zone.
	Source *int `json:"source" binding:"required"`
}

func (h *ControlHandler) SetZoneGain(c *gin.Context) {
	h.setGain(c, "zone", h.control.SetZoneGain)
}

func (h *ControlHandler) SetSourceGain(c *gin.Context) {
	h.setGain(c, "source", h.control.SetSourceGain)
}

func (h *ControlHandler) SetGroupGain(c *gin.Context) {
	h.setGain(c, "group", h.control.SetGroupGain)
}

func (h *ControlHandler) SetZoneMute(c *gin.Context) {
	ep, err := h.devices.ByID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	zone, err := indexParam(c, "zone")
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := h.control.SetZoneMute(c.Request.Context(), ep, zone, *req.Muted); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": ep.ID, "zone": zone, "muted": *req.Muted})
}

func (h *ControlHandler) SetZoneSource(c *gin.Context) {
	ep, err := h.devices.ByID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	zone, err := indexParam(c, "zone")
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req sourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := h.control.SetZoneSource(c.Request.Context(), ep, zone, *req.Source); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": ep.ID, "zone": zone, "source": *req.Source})
}

type gainSetter func(ctx context.Context, ep domain.DeviceEndpoint, index int, gain float64) error

func (h *ControlHandler) setGain(c *gin.Context, param string, set gainSetter) {
	ep, err := h.devices.ByID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	index, err := indexParam(c, param)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var req gainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := set(c.Request.Context(), ep, index, *req.Gain); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": ep.ID, param: index, "gain": *req.Gain})
}

func indexParam(c *gin.Context, name string) (int, error) {
	n, err := strconv.Atoi(c.Param(name))
	if err != nil {
		return 0, apperrors.NewInvalidInputError(name + " must be an integer")
	}
	return n, nil
}
