// Package auth implements the credential providers used by transport
// clients. A provider produces a request header; providers that need to
// shape the TLS channel (mutual TLS) additionally contribute transport
// materials.
package auth

import (
	"context"
	"crypto/tls"
	"encoding/base64"
)

// Provider yields the Authorization header for an outbound request.
// Implementations cache whatever they can; callers invoke Header on every
// attempt.
type Provider interface {
	Header(ctx context.Context) (key, value string, err error)
}

// TransportContributor is implemented by providers that configure the TLS
// channel instead of (or in addition to) producing a header.
type TransportContributor interface {
	TransportMaterials() *tls.Config
}

// None is the no-auth provider.
type None struct{}

func (None) Header(ctx context.Context) (string, string, error) {
	return "", "", nil
}

// Basic produces an HTTP Basic Authorization header.
type Basic struct {
	Username string
	Password string
}

func (b Basic) Header(ctx context.Context) (string, string, error) {
	credentials := base64.StdEncoding.EncodeToString([]byte(b.Username + ":" + b.Password))
	return "Authorization", "Basic " + credentials, nil
}

// MTLS contributes a client certificate channel and no auth header.
type MTLS struct {
	Certificate tls.Certificate
}

func (m MTLS) Header(ctx context.Context) (string, string, error) {
	return "", "", nil
}

func (m MTLS) TransportMaterials() *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{m.Certificate}}
}
