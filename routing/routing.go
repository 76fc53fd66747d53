// Package routing decides which upstream endpoint an inbound connection is
// bridged to.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
)

// ErrRouting is matched by every *Error.
var ErrRouting = errors.New("routing: no route")

// Error is returned when a Resolver cannot produce an endpoint.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("routing: unable to route %q: %s", e.Key, e.Err)
	}
	return fmt.Sprintf("routing: no mapping found for %q", e.Key)
}

// Is reports whether target is ErrRouting.
func (e *Error) Is(target error) bool {
	return target == ErrRouting
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Endpoint is an upstream host and port.
type Endpoint struct {
	Host string
	Port int
}

// Address returns the endpoint in host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoint parses a host:port string.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Request is the inbound metadata available to a Resolver.
type Request struct {
	// URI is the request target, path and query, as sent by the client.
	URI        string
	RemoteAddr string
	Header     http.Header
}

// RequestFromHTTP extracts routing metadata from an inbound HTTP request.
func RequestFromHTTP(r *http.Request) Request {
	return Request{
		URI:        r.URL.RequestURI(),
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
	}
}

// Resolver maps an inbound request to an upstream endpoint.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Endpoint, error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(ctx context.Context, req Request) (Endpoint, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, req Request) (Endpoint, error) {
	return f(ctx, req)
}

// Fixed routes every request to the same endpoint.
type Fixed Endpoint

// Resolve returns the fixed endpoint.
func (f Fixed) Resolve(ctx context.Context, req Request) (Endpoint, error) {
	return Endpoint(f), nil
}

// StaticTable routes by exact request URI.
type StaticTable map[string]Endpoint

// NewStaticTable parses a URI -> "host:port" mapping.
func NewStaticTable(mapping map[string]string) (StaticTable, error) {
	table := make(StaticTable, len(mapping))
	for uri, hostPort := range mapping {
		e, err := ParseEndpoint(hostPort)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", uri, err)
		}
		table[uri] = e
	}
	return table, nil
}

// Resolve looks up req.URI.
func (t StaticTable) Resolve(ctx context.Context, req Request) (Endpoint, error) {
	e, ok := t[req.URI]
	if !ok {
		return Endpoint{}, &Error{Key: req.URI}
	}
	return e, nil
}

// Keys returns the routed URIs in sorted order.
func (t StaticTable) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
