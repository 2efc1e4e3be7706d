package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StreamOptions tunes the viewer transports.
type StreamOptions struct {
	// WriteTimeout bounds one event write; zero leaves writes unbounded.
	WriteTimeout time.Duration
	// SnapshotWait bounds the subscribe attempt made by a one-off snapshot.
	SnapshotWait time.Duration
}

type StreamHandler struct {
	devices  *DeviceResolver
	streams  ports.StreamService
	meters   ports.MeterService
	metadata ports.MetadataService
	opts     StreamOptions
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

func NewStreamHandler(
	devices *DeviceResolver,
	streams ports.StreamService,
	meters ports.MeterService,
	metadata ports.MetadataService,
	opts StreamOptions,
	logger *zap.SugaredLogger,
) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.SnapshotWait <= 0 {
		opts.SnapshotWait = time.Second
	}
	return &StreamHandler{
		devices:  devices,
		streams:  streams,
		meters:   meters,
		metadata: metadata,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// StreamRoutes are the long-lived viewer routes registered by SetupRoutes.
var StreamRoutes = []string{"/api/v1/meters/stream", "/api/v1/meters/ws"}

// SetupRoutes registers the read side. streamGate wraps only the long-lived
// stream routes.
func (h *StreamHandler) SetupRoutes(router gin.IRouter, streamGate gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/meters/stream", streamGate, h.StreamSSE)
		api.GET("/meters/ws", streamGate, h.StreamWebSocket)
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:id/meters", h.GetSnapshot)
		api.GET("/devices/:id/metadata", h.GetMetadata)
		api.GET("/devices/:id/status", h.GetStatus)
	}
}

// StreamSSE serves GET /api/v1/meters/stream?ip=&port= as server-sent events.
func (h *StreamHandler) StreamSSE(c *gin.Context) {
	ep, err := h.devices.ByAddress(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", sse.ContentType)
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	sink := &sseSink{
		w:       c.Writer,
		rc:      http.NewResponseController(c.Writer),
		timeout: h.opts.WriteTimeout,
	}
	if err := h.streams.Run(c.Request.Context(), ep, sink); err != nil {
		h.logger.Debugw("sse viewer gone", "device", ep.ID, "error", err)
	}
}

// StreamWebSocket serves the same events as StreamSSE over a WebSocket,
// one {"event":..,"data":..} text message per event.
func (h *StreamHandler) StreamWebSocket(c *gin.Context) {
	ep, err := h.devices.ByAddress(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the client.
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	var g errgroup.Group
	// A hijacked connection does not cancel the request context; the read
	// side notices the viewer leaving.
	g.Go(func() error {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return nil
			}
		}
	})

	sink := &wsSink{conn: conn, timeout: h.opts.WriteTimeout}
	runErr := h.streams.Run(ctx, ep, sink)
	if runErr != nil {
		h.logger.Debugw("websocket viewer gone", "device", ep.ID, "error", runErr)
	} else {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	_ = conn.Close()
	_ = g.Wait()
}

// GetSnapshot answers one meters snapshot. The device subscription is
// started if needed, so a cold device shows quiescent values first.
func (h *StreamHandler) GetSnapshot(c *gin.Context) {
	ep, err := h.devices.ByID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.SnapshotWait)
	defer cancel()
	if err := h.meters.Subscribe(ctx, ep); err != nil {
		h.logger.Debugw("snapshot without live subscription", "device", ep.ID, "error", err)
	}
	c.JSON(http.StatusOK, h.streams.Snapshot(c.Request.Context(), ep))
}

func (h *StreamHandler) GetMetadata(c *gin.Context) {
	ep, err := h.devices.ByID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ctx := c.Request.Context()
	var zones, sources, groups *domain.ChannelMetadata
	var g errgroup.Group
	g.Go(func() error { zones = h.metadata.FetchZoneMetadata(ctx, ep); return nil })
	g.Go(func() error { sources = h.metadata.FetchSourceMetadata(ctx, ep, ep.Channels.Inputs); return nil })
	g.Go(func() error { groups = h.metadata.FetchGroupMetadata(ctx, ep, ep.Channels.Groups); return nil })
	_ = g.Wait()

	c.JSON(http.StatusOK, gin.H{
		"device_id": ep.ID,
		"zones":     zones,
		"sources":   sources,
		"groups":    groups,
	})
}

func (h *StreamHandler) GetStatus(c *gin.Context) {
	ep, err := h.devices.ByID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device":       ep,
		"subscription": h.meters.Status(ep.Key()),
	})
}

func (h *StreamHandler) ListDevices(c *gin.Context) {
	devices, err := h.devices.registry.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type sseSink struct {
	w       gin.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *sseSink) Send(event string, data any) error {
	if s.timeout > 0 {
		// Not every writer supports deadlines; unsupported means unbounded.
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if err := sse.Encode(s.w, sse.Event{Event: event, Data: data}); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) Send(event string, data any) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteJSON(wsMessage{Event: event, Data: data})
}
