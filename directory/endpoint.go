package directory

import (
	"fmt"
	"strings"
)

// Endpoint schemes understood by the directory.
const (
	SchemeTCP = "tcp"
	SchemeUDS = "uds"
)

// Endpoint is the transport address of one exposed gRPC service: a TCP
// host:port or a unix domain socket path. The wire form is a URI string,
// e.g. "tcp://127.0.0.1:9000" or "uds:///run/mod/billing.sock".
type Endpoint struct {
	Scheme  string
	Address string
}

// TCP returns a TCP endpoint for the given host:port.
func TCP(hostport string) Endpoint {
	return Endpoint{Scheme: SchemeTCP, Address: hostport}
}

// UDS returns a unix domain socket endpoint for the given path.
func UDS(path string) Endpoint {
	return Endpoint{Scheme: SchemeUDS, Address: path}
}

// ParseEndpoint parses the URI form. A bare "host:port" with no scheme is
// accepted as TCP, which is what ad-hoc configuration tends to contain.
func ParseEndpoint(uri string) (Endpoint, error) {
	if uri == "" {
		return Endpoint{}, ErrEndpointEmpty
	}
	scheme, rest, found := strings.Cut(uri, "://")
	if !found {
		return TCP(uri), nil
	}
	switch scheme {
	case SchemeTCP:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrEndpointInvalid, uri)
		}
		return TCP(rest), nil
	case SchemeUDS:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: %q", ErrEndpointInvalid, uri)
		}
		return UDS(rest), nil
	default:
		return Endpoint{}, fmt.Errorf("%w: scheme %q", ErrEndpointInvalid, scheme)
	}
}

// URI renders the endpoint in its wire form.
func (e Endpoint) URI() string {
	if e.IsZero() {
		return ""
	}
	return e.Scheme + "://" + e.Address
}

func (e Endpoint) String() string {
	return e.URI()
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Scheme == "" && e.Address == ""
}

// MarshalText implements encoding.TextMarshaler so endpoints serialize as
// their URI form in JSON payloads.
func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.URI()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Endpoint) UnmarshalText(text []byte) error {
	parsed, err := ParseEndpoint(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
