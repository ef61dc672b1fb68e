package coordinator

import (
	"context"
	"net"
	"time"
)

// Connectivity reports whether the network is reachable. A cycle is skipped
// while Check fails.
type Connectivity interface {
	Check(ctx context.Context) error
}

type ConnectivityFunc func(ctx context.Context) error

func (f ConnectivityFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// AlwaysOnline never reports the network as absent.
var AlwaysOnline Connectivity = ConnectivityFunc(func(context.Context) error { return nil })

// DialProbe considers the network reachable when a TCP connection to address
// can be opened within timeout.
func DialProbe(address string, timeout time.Duration) Connectivity {
	return ConnectivityFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}
