package domain

import (
	"fmt"
	"time"
)

// ChannelMetadata holds parallel name/mute arrays for one channel kind of
// one device. A published value is never modified; refreshes build a new one.
type ChannelMetadata struct {
	Kind      ChannelKind `json:"kind"`
	Names     []string    `json:"names"`
	Muted     []bool      `json:"muted"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// DefaultChannelName is the display name used when the device has none.
func DefaultChannelName(kind ChannelKind, index int) string {
	switch kind {
	case ChannelInput:
		return fmt.Sprintf("Input %d", index+1)
	case ChannelGroup:
		return fmt.Sprintf("Group %d", index+1)
	default:
		return fmt.Sprintf("Zone %d", index+1)
	}
}

// DefaultMetadata returns generated names and unmuted state for count channels.
func DefaultMetadata(kind ChannelKind, count int, fetchedAt time.Time) *ChannelMetadata {
	md := &ChannelMetadata{
		Kind:      kind,
		Names:     make([]string, count),
		Muted:     make([]bool, count),
		FetchedAt: fetchedAt,
	}
	for i := range md.Names {
		md.Names[i] = DefaultChannelName(kind, i)
	}
	return md
}

// Name returns the channel name, or the generated default when out of range.
func (m *ChannelMetadata) Name(index int) string {
	if m != nil && index >= 0 && index < len(m.Names) && m.Names[index] != "" {
		return m.Names[index]
	}
	kind := ChannelOutput
	if m != nil {
		kind = m.Kind
	}
	return DefaultChannelName(kind, index)
}

func (m *ChannelMetadata) IsMuted(index int) bool {
	if m == nil || index < 0 || index >= len(m.Muted) {
		return false
	}
	return m.Muted[index]
}

// WithMute returns a copy with one channel's mute state replaced.
func (m *ChannelMetadata) WithMute(index int, muted bool) *ChannelMetadata {
	cp := &ChannelMetadata{
		Kind:      m.Kind,
		Names:     append([]string(nil), m.Names...),
		Muted:     append([]bool(nil), m.Muted...),
		FetchedAt: m.FetchedAt,
	}
	if index >= 0 && index < len(cp.Muted) {
		cp.Muted[index] = muted
	}
	return cp
}
