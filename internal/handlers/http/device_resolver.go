package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	apperrors "dsplink/pkg/errors"
	"dsplink/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceResolver turns request parameters into a DeviceEndpoint.
type DeviceResolver struct {
	registry ports.DeviceRegistry
	defaults domain.EndpointDefaults
	logger   *zap.SugaredLogger
}

func NewDeviceResolver(registry ports.DeviceRegistry, defaults domain.EndpointDefaults, logger *zap.SugaredLogger) *DeviceResolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeviceResolver{registry: registry, defaults: defaults, logger: logger}
}

// ByID resolves the :id path parameter. Unknown ids are NOT_FOUND.
func (r *DeviceResolver) ByID(c *gin.Context) (domain.DeviceEndpoint, error) {
	id := c.Param("id")
	if err := validation.ValidateDeviceID(id); err != nil {
		return domain.DeviceEndpoint{}, apperrors.NewInvalidInputError(err.Error())
	}
	ep, err := r.registry.GetByID(c.Request.Context(), domain.DeviceID(id))
	if errors.Is(err, domain.ErrDeviceNotFound) {
		return domain.DeviceEndpoint{}, apperrors.NewNotFoundError("device " + id)
	}
	if err != nil {
		return domain.DeviceEndpoint{}, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "device registry unavailable", http.StatusServiceUnavailable)
	}
	return r.defaults.Complete(ep), nil
}

// ByAddress resolves the ip and optional port query parameters. An address
// the registry does not know is still served, with the default channel
// layout and the address as its id.
func (r *DeviceResolver) ByAddress(c *gin.Context) (domain.DeviceEndpoint, error) {
	ip := c.Query("ip")
	if ip == "" {
		return domain.DeviceEndpoint{}, apperrors.NewInvalidInputError("ip query parameter is required")
	}
	if err := validation.ValidateAddress(ip); err != nil {
		return domain.DeviceEndpoint{}, apperrors.NewInvalidInputError(err.Error())
	}
	port := 0
	if p := c.Query("port"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return domain.DeviceEndpoint{}, apperrors.NewInvalidInputError("port must be a number")
		}
		if err := validation.ValidatePort(n); err != nil {
			return domain.DeviceEndpoint{}, apperrors.NewInvalidInputError(err.Error())
		}
		port = n
	}
	return r.lookup(c.Request.Context(), ip, port), nil
}

func (r *DeviceResolver) lookup(ctx context.Context, ip string, port int) domain.DeviceEndpoint {
	ep, err := r.registry.FindByAddress(ctx, ip, port)
	if err == nil {
		if port != 0 {
			ep.Port = port
		}
		return r.defaults.Complete(ep)
	}
	if !errors.Is(err, domain.ErrDeviceNotFound) {
		r.logger.Warnw("device registry lookup failed, using defaults", "ip", ip, "error", err)
	}
	return r.defaults.Complete(domain.DeviceEndpoint{
		ID:      domain.DeviceID(ip),
		Address: ip,
		Port:    port,
	})
}
