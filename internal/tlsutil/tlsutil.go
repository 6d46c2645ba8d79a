// Package tlsutil builds the outbound HTTP clients used for model
// provider calls. All clients share the same TLS floor; the knobs that
// actually vary per deployment live in Options.
package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Options tunes an outbound client. Zero values fall back to
// DefaultOptions.
type Options struct {
	Timeout         time.Duration
	DialTimeout     time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// InsecureSkipVerify disables certificate verification for
	// self-hosted endpoints running behind a private CA. Never set it
	// for a public provider.
	InsecureSkipVerify bool
}

// DefaultOptions returns the production defaults. The request timeout
// is generous because chat completions routinely run for a minute.
func DefaultOptions() Options {
	return Options{
		Timeout:         60 * time.Second,
		DialTimeout:     30 * time.Second,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// ClientTLSConfig returns the TLS settings applied to every outbound
// call: TLS 1.2 minimum with AEAD-only cipher suites.
func ClientTLSConfig(insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// Transport builds an http.Transport from opts.
func Transport(opts Options) *http.Transport {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = def.MaxIdleConns
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = def.IdleConnTimeout
	}
	return &http.Transport{
		TLSClientConfig: ClientTLSConfig(opts.InsecureSkipVerify),
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: opts.DialTimeout,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Client builds an http.Client from opts.
func Client(opts Options) *http.Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: Transport(opts),
	}
}
