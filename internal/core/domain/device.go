package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultControlPort is the TCP control port of the processor family.
const DefaultControlPort = 5321

type DeviceID string

// DeviceKey identifies one pooled connection: the device id plus the
// control port it is reached on.
type DeviceKey string

func NewDeviceKey(id DeviceID, port int) DeviceKey {
	return DeviceKey(fmt.Sprintf("%s:%d", id, port))
}

type ChannelCounts struct {
	Inputs  int `json:"inputs" yaml:"inputs"`
	Outputs int `json:"outputs" yaml:"outputs"`
	Groups  int `json:"groups" yaml:"groups"`
}

// Count returns the channel count for kind.
func (c ChannelCounts) Count(kind ChannelKind) int {
	switch kind {
	case ChannelInput:
		return c.Inputs
	case ChannelOutput:
		return c.Outputs
	case ChannelGroup:
		return c.Groups
	}
	return 0
}

// DeviceEndpoint is immutable once built; pass it by value.
type DeviceEndpoint struct {
	ID             DeviceID      `json:"id"`
	Address        string        `json:"address"`
	Port           int           `json:"port"`
	Channels       ChannelCounts `json:"channels"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	CommandTimeout time.Duration `json:"command_timeout"`
	Retries        int           `json:"retries"`
}

func (e DeviceEndpoint) Key() DeviceKey {
	return NewDeviceKey(e.ID, e.Port)
}

// DialAddress returns host:port for net.Dial.
func (e DeviceEndpoint) DialAddress() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

func (e DeviceEndpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.ID, e.DialAddress())
}

// ConnectionPolicy is the timing applied to endpoints the registry
// describes without it.
type ConnectionPolicy struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Retries        int
}

// WithPolicy returns a copy of e using p's timeouts and retries.
func (e DeviceEndpoint) WithPolicy(p ConnectionPolicy) DeviceEndpoint {
	e.ConnectTimeout = p.ConnectTimeout
	e.CommandTimeout = p.CommandTimeout
	e.Retries = p.Retries
	return e
}

// IsZero reports whether no channel count is set.
func (c ChannelCounts) IsZero() bool {
	return c == ChannelCounts{}
}

// EndpointDefaults fills what a registry record leaves out.
type EndpointDefaults struct {
	Port     int
	Channels ChannelCounts
	Policy   ConnectionPolicy
}

// Complete returns ep with a missing port or channel layout taken from d
// and d's connection policy applied.
func (d EndpointDefaults) Complete(ep DeviceEndpoint) DeviceEndpoint {
	if ep.Port == 0 {
		ep.Port = d.Port
	}
	if ep.Channels.IsZero() {
		ep.Channels = d.Channels
	}
	return ep.WithPolicy(d.Policy)
}
