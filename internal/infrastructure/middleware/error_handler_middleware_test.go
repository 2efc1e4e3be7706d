package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"dsplink/internal/core/domain"
	apperrors "dsplink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func serveError(t *testing.T, err error) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/x", func(c *gin.Context) { _ = c.Error(err) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestErrorHandlerMiddleware_StatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", apperrors.NewInvalidInputError("zone 9 out of range"), http.StatusBadRequest, "INVALID_INPUT"},
		{"wrapped app error", fmt.Errorf("handler: %w", apperrors.NewRateLimitError()), http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"unknown device", fmt.Errorf("lookup: %w", domain.ErrDeviceNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"connection", &domain.ConnectionError{Address: "10.0.0.5:5321", Err: fmt.Errorf("refused")}, http.StatusServiceUnavailable, "DEVICE_UNREACHABLE"},
		{"timeout", &domain.TimeoutError{Op: "get", Param: "InputGain_0"}, http.StatusGatewayTimeout, "DEVICE_TIMEOUT"},
		{"protocol", &domain.ProtocolError{Reason: "bad reply"}, http.StatusBadGateway, "DEVICE_PROTOCOL_ERROR"},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := serveError(t, tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.GET("/panic", func(c *gin.Context) { panic("bad") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}
