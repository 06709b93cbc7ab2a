package directory

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial opens a gRPC client connection to the endpoint. Transport security is
// the caller's concern at a higher layer; directory traffic between a host
// and its own modules runs on loopback or unix sockets, so the connection is
// dialed with insecure transport credentials.
func Dial(e Endpoint, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	var target string
	switch e.Scheme {
	case SchemeTCP:
		target = e.Address
	case SchemeUDS:
		target = "unix://" + e.Address
	default:
		return nil, fmt.Errorf("%w: %q", ErrEndpointInvalid, e.URI())
	}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", e.URI(), err)
	}
	return conn, nil
}
