package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Resolver resolves a naming-service token to a base URI. pkg/naming.Client
// satisfies this; it is accepted as an interface here so this package never
// imports pkg/naming (the naming client itself imports this package for
// NewClient).
type Resolver interface {
	Resolve(ctx context.Context, serviceName string) (string, error)
}

// NewClient returns an *http.Client tuned for short-lived control-plane
// requests: a conservative dial/TLS-handshake/response-header timeout
// profile and no overall request deadline (callers supply one via context).
func NewClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// ResolveURI substitutes a leading "{serviceName}" token in rawURI with the
// location returned by resolver.Resolve, and returns the rest of rawURI
// unchanged. A rawURI with no such token is returned as-is.
func ResolveURI(ctx context.Context, resolver Resolver, rawURI string) (string, error) {
	name, suffix, ok := splitServiceToken(rawURI)
	if !ok {
		return rawURI, nil
	}

	base, err := resolver.Resolve(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve service %q: %w", name, err)
	}

	return strings.TrimRight(base, "/") + suffix, nil
}

func splitServiceToken(rawURI string) (name, suffix string, ok bool) {
	if !strings.HasPrefix(rawURI, "{") {
		return "", "", false
	}
	end := strings.Index(rawURI, "}")
	if end < 0 {
		return "", "", false
	}
	return rawURI[1:end], rawURI[end+1:], true
}

// NewJSONRequest builds a request against rawURI (resolved through resolver
// first, if it carries a service token), JSON-encoding body when non-nil.
func NewJSONRequest(ctx context.Context, resolver Resolver, method, rawURI string, body interface{}) (*http.Request, error) {
	uri, err := ResolveURI(ctx, resolver, rawURI)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", uri, err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}
