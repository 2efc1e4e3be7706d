package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuiescentLevel is the metering floor reported for a silent channel.
const QuiescentLevel = -80.0

type ChannelKind string

const (
	ChannelInput  ChannelKind = "input"
	ChannelOutput ChannelKind = "output"
	ChannelGroup  ChannelKind = "group"
)

var ChannelKinds = []ChannelKind{ChannelInput, ChannelOutput, ChannelGroup}

// MeterSample is one reading of a channel. Samples are values; the meter
// cache replaces whole entries and never mutates a published one.
type MeterSample struct {
	Kind       ChannelKind `json:"kind"`
	Index      int         `json:"index"`
	Level      float64     `json:"level"`
	Peak       float64     `json:"peak"`
	Clipping   bool        `json:"clipping"`
	CapturedAt time.Time   `json:"captured_at"`
}

// QuiescentSample is the value of a channel no frame has reached yet.
// Its zero CapturedAt marks it as never sampled.
func QuiescentSample(kind ChannelKind, index int) MeterSample {
	return MeterSample{
		Kind:  kind,
		Index: index,
		Level: QuiescentLevel,
		Peak:  QuiescentLevel,
	}
}

// Stale reports whether the sample is older than maxAge at now. A quiescent
// sample was never measured and is never stale.
func (s MeterSample) Stale(now time.Time, maxAge time.Duration) bool {
	if s.CapturedAt.IsZero() {
		return false
	}
	return now.Sub(s.CapturedAt) > maxAge
}

// MeterParam returns the device parameter carrying the meter of a channel.
func MeterParam(kind ChannelKind, index int) string {
	return fmt.Sprintf("%sMeter_%d", paramPrefix(kind), index)
}

func NameParam(kind ChannelKind, index int) string {
	return fmt.Sprintf("%sName_%d", paramPrefix(kind), index)
}

func MuteParam(kind ChannelKind, index int) string {
	return fmt.Sprintf("%sMute_%d", paramPrefix(kind), index)
}

func GainParam(kind ChannelKind, index int) string {
	return fmt.Sprintf("%sGain_%d", paramPrefix(kind), index)
}

// SourceParam selects the input routed to an output zone.
func SourceParam(zone int) string {
	return fmt.Sprintf("ZoneSource_%d", zone)
}

func paramPrefix(kind ChannelKind) string {
	switch kind {
	case ChannelInput:
		return "Source"
	case ChannelGroup:
		return "Group"
	default:
		return "Zone"
	}
}

// ParseMeterParam is the inverse of MeterParam.
func ParseMeterParam(param string) (ChannelKind, int, bool) {
	name, idx, found := strings.Cut(param, "_")
	if !found {
		return "", 0, false
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return "", 0, false
	}
	switch name {
	case "SourceMeter":
		return ChannelInput, index, true
	case "ZoneMeter":
		return ChannelOutput, index, true
	case "GroupMeter":
		return ChannelGroup, index, true
	}
	return "", 0, false
}
