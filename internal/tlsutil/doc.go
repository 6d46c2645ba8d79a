// Package tlsutil centralizes hardened TLS settings for outbound HTTP
// clients: TLS 1.2 minimum, AEAD cipher suites only.
package tlsutil
