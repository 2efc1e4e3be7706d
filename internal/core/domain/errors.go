package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrNotSubscribed  = errors.New("device not subscribed")
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrLinkClosed     = errors.New("device link closed")
	// ErrStaleData marks a value served from cache while the device is unreachable.
	ErrStaleData = errors.New("stale data")
)

// ConnectionError means the device could not be reached.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means no reply arrived within the command deadline.
type TimeoutError struct {
	Op    string
	Param string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out waiting for reply", e.Op, e.Param)
}

// Timeout lets callers treat it as a net.Error-style timeout.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError means the reply did not match any recognized shape, or the
// device answered with an error token.
type ProtocolError struct {
	Reason string
	Raw    string
	Code   int
}

func (e *ProtocolError) Error() string {
	if e.Raw == "" {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %q", e.Reason, e.Raw)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// DeviceError is an error token returned by the device for a well-formed
// request. The link stays usable.
type DeviceError struct {
	Param   string
	Code    int
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: %s (code %d)", e.Param, e.Message, e.Code)
}
