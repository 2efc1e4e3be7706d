package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Gain limits accepted by the processor, in dB.
const (
	MinGain = -80.0
	MaxGain = 12.0
)

var (
	// DeviceIDRegex validates device ID format
	DeviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

// ValidateDeviceID validates device ID
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("device ID is too long (max 100 characters)")
	}
	if !DeviceIDRegex.MatchString(id) {
		return fmt.Errorf("invalid device ID format")
	}
	return nil
}

// ValidateAddress accepts an IPv4/IPv6 literal or a hostname.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("device address is required")
	}
	if net.ParseIP(addr) != nil {
		return nil
	}
	if len(addr) > 253 || !hostnameRegex.MatchString(addr) {
		return fmt.Errorf("invalid device address %q", addr)
	}
	return nil
}

func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// ValidateChannelIndex checks a zero-based index against a channel count.
func ValidateChannelIndex(kind string, index, count int) error {
	if index < 0 || index >= count {
		return fmt.Errorf("%s index %d out of range (0-%d)", kind, index, count-1)
	}
	return nil
}

// ValidateGain validates a gain value in dB
func ValidateGain(gain float64) error {
	if gain != gain {
		return fmt.Errorf("gain must be a number")
	}
	if gain < MinGain || gain > MaxGain {
		return fmt.Errorf("gain must be between %.0f and %.0f dB", MinGain, MaxGain)
	}
	return nil
}

// ValidateChannelCount validates a configured channel count
func ValidateChannelCount(kind string, count int) error {
	if count < 0 {
		return fmt.Errorf("%s count must not be negative", kind)
	}
	if count > 256 {
		return fmt.Errorf("%s count is too high (max 256)", kind)
	}
	return nil
}
