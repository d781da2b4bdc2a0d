package dispatch

import "context"

// Transport is the duplex byte link to the device.
//
// Read must not block indefinitely: it returns (0, nil) when nothing arrived
// within the transport's poll interval. Any error from Read other than that
// is treated as a lost link.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}
