package domain

// ChannelSnapshot is a meter sample merged with the channel's metadata.
type ChannelSnapshot struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	Level    float64 `json:"level"`
	Peak     float64 `json:"peak"`
	Clipping bool    `json:"clipping"`
	Muted    *bool   `json:"muted,omitempty"`
	Stale    bool    `json:"stale,omitempty"`
}

// MeterSnapshot is the body of a "meters" event. Every snapshot is complete.
type MeterSnapshot struct {
	Timestamp int64             `json:"timestamp"`
	Outputs   []ChannelSnapshot `json:"outputs"`
	Inputs    []ChannelSnapshot `json:"inputs"`
	Groups    []ChannelSnapshot `json:"groups"`
}

// SubscriptionStatus describes a device's sampling loop.
type SubscriptionStatus struct {
	Key           DeviceKey `json:"key"`
	DeviceID      DeviceID  `json:"device_id,omitempty"`
	Subscribed    bool      `json:"subscribed"`
	Viewers       int       `json:"viewers"`
	Connected     bool      `json:"connected"`
	Mode          string    `json:"mode"`
	LastFrameAt   int64     `json:"last_frame_at,omitempty"`
	FramesApplied uint64    `json:"frames_applied"`
	Reconnects    int       `json:"reconnects"`
	LastError     string    `json:"last_error,omitempty"`
}

// PoolEntryStats describes one pooled connection.
type PoolEntryStats struct {
	Key      DeviceKey `json:"key"`
	Address  string    `json:"address"`
	Refs     int       `json:"refs"`
	Alive    bool      `json:"alive"`
	IdleMS   int64     `json:"idle_ms"`
	InFlight bool      `json:"in_flight"`
}
