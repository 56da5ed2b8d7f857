package transport

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Endpoint is a network address a node listens on.
type Endpoint struct {
	Network string `json:"network"`
	Addr    string `json:"addr"`
}

func TCP(addr string) Endpoint {
	return Endpoint{Network: "tcp", Addr: addr}
}

func (e Endpoint) String() string {
	return e.Network + "://" + e.Addr
}

func listen(e Endpoint) (net.Listener, error) {
	switch e.Network {
	case "tcp", "unix":
		return net.Listen(e.Network, e.Addr)
	default:
		return nil, errors.Newf("unsupported network type %q", e.Network)
	}
}

func dial(ctx context.Context, e Endpoint, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	switch e.Network {
	case "tcp":
		return dialTCP(ctx, e.Addr, opts...)
	case "unix":
		return dialUnix(ctx, e.Addr, opts...)
	default:
		return nil, errors.Newf("unsupported network type %q", e.Network)
	}
}

// dialTCP creates a client connection via TCP.
// "addr" must be a valid TCP address with a port number.
func dialTCP(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	return grpc.DialContext(ctx, addr, opts...)
}

// dialUnix creates a client connection via a unix domain socket.
// "addr" must be a valid path to the socket.
func dialUnix(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	d := func(ctx context.Context, addr string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "unix", addr)
	}
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithContextDialer(d))
	return grpc.DialContext(ctx, addr, opts...)
}
