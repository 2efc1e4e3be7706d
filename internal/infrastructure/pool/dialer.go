package pool

import (
	"context"

	"dsplink/internal/core/domain"
	"dsplink/internal/core/ports"
	"dsplink/internal/infrastructure/protocol"
)

// ProtocolDialer dials devices with the line protocol client.
func ProtocolDialer(opts ...protocol.Option) Dialer {
	return func(ctx context.Context, ep domain.DeviceEndpoint) (ports.DeviceConn, error) {
		c, err := protocol.Dial(ctx, ep, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
