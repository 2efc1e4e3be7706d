package services_test

import (
	"context"
	"errors"
	"testing"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/services"
	"dsplink/internal/testutil"
	apperrors "dsplink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMuteRecorder struct {
	mock.Mock
}

func (m *mockMuteRecorder) RecordMute(ep domain.DeviceEndpoint, kind domain.ChannelKind, index int, muted bool) {
	m.Called(ep.ID, kind, index, muted)
}

func appErrorCode(t *testing.T, err error) apperrors.ErrorCode {
	t.Helper()
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr, "expected AppError, got %v", err)
	return appErr.Code
}

func TestControl_Writes(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	svc := services.NewControlService(newPool(t), services.ControlConfig{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetZoneGain(ctx, ep, 2, -20))
	require.NoError(t, svc.SetSourceGain(ctx, ep, 13, -6.5))
	require.NoError(t, svc.SetGroupGain(ctx, ep, 0, 0))
	require.NoError(t, svc.SetZoneSource(ctx, ep, 1, 3))
	require.NoError(t, svc.SetZoneSource(ctx, ep, 0, -1))

	for param, want := range map[string]float64{
		"ZoneGain_2":    -20,
		"SourceGain_13": -6.5,
		"GroupGain_0":   0,
		"ZoneSource_1":  3,
		"ZoneSource_0":  -1,
	} {
		v, ok := dev.Param(param)
		require.True(t, ok, param)
		assert.Equal(t, want, v, param)
	}
}

func TestControl_ValidationRejectedBeforeDevice(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	svc := services.NewControlService(newPool(t), services.ControlConfig{}, nil, nil)
	ctx := context.Background()

	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErrorCode(t, svc.SetZoneGain(ctx, ep, 8, -20)))
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErrorCode(t, svc.SetZoneGain(ctx, ep, 0, 40)))
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErrorCode(t, svc.SetZoneSource(ctx, ep, 0, 14)))
	assert.Equal(t, apperrors.ErrCodeInvalidInput, appErrorCode(t, svc.SetGroupGain(ctx, ep, -1, 0)))
	assert.Zero(t, dev.Accepts())
}

func TestControl_MuteUpdatesCache(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	rec := &mockMuteRecorder{}
	rec.On("RecordMute", ep.ID, domain.ChannelOutput, 3, true).Once()
	svc := services.NewControlService(newPool(t), services.ControlConfig{}, rec, nil)

	require.NoError(t, svc.SetZoneMute(context.Background(), ep, 3, true))
	v, _ := dev.Param("ZoneMute_3")
	assert.Equal(t, 1.0, v)
	rec.AssertExpectations(t)
}

func TestControl_FailedMuteDoesNotTouchCache(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	dev.Reject("ZoneMute_3")
	ep := dev.Endpoint("dsp-1", defaultCounts)
	rec := &mockMuteRecorder{}
	svc := services.NewControlService(newPool(t), services.ControlConfig{}, rec, nil)

	err := svc.SetZoneMute(context.Background(), ep, 3, true)
	assert.Equal(t, apperrors.ErrCodeDeviceRejected, appErrorCode(t, err))
	var derr *domain.DeviceError
	assert.True(t, errors.As(err, &derr))
	rec.AssertNotCalled(t, "RecordMute", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestControl_ErrorsPropagate(t *testing.T) {
	ctx := context.Background()

	refused := testutil.RefusedEndpoint(t, "dsp-1", defaultCounts)
	svc := services.NewControlService(newPool(t), services.ControlConfig{}, nil, nil)
	err := svc.SetZoneGain(ctx, refused, 0, -10)
	assert.Equal(t, apperrors.ErrCodeDeviceUnreachable, appErrorCode(t, err))
	assert.True(t, domain.IsConnection(err))

	dev := testutil.NewFakeDevice(t)
	dev.Silence("ZoneGain_0")
	ep := dev.Endpoint("dsp-2", defaultCounts)
	err = svc.SetZoneGain(ctx, ep, 0, -10)
	assert.Equal(t, apperrors.ErrCodeDeviceTimeout, appErrorCode(t, err))
	assert.True(t, domain.IsTimeout(err))
}

func TestControl_Throttled(t *testing.T) {
	dev := testutil.NewFakeDevice(t)
	ep := dev.Endpoint("dsp-1", defaultCounts)
	svc := services.NewControlService(newPool(t), services.ControlConfig{WritesPerSecond: 0.001, Burst: 2}, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetZoneGain(ctx, ep, 0, -10))
	require.NoError(t, svc.SetZoneGain(ctx, ep, 0, -11))
	err := svc.SetZoneGain(ctx, ep, 0, -12)
	assert.Equal(t, apperrors.ErrCodeRateLimit, appErrorCode(t, err))
	assert.Equal(t, 2, dev.Requests("set"))
}
