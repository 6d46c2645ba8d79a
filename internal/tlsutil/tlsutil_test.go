package tlsutil

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestClientTLSConfigFloor(t *testing.T) {
	cfg := ClientTLSConfig(false)
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if cfg.InsecureSkipVerify {
		t.Error("verification must stay on by default")
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites should not be empty")
	}
	for _, cs := range cfg.CipherSuites {
		switch cs {
		case tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305:
			// AEAD cipher suite, fine
		default:
			t.Errorf("unexpected non-AEAD cipher suite: %d", cs)
		}
	}
}

func TestClientTLSConfigSkipVerify(t *testing.T) {
	if !ClientTLSConfig(true).InsecureSkipVerify {
		t.Error("skip-verify flag not propagated")
	}
}

func TestTransportAppliesOptions(t *testing.T) {
	tr := Transport(Options{MaxIdleConns: 7, IdleConnTimeout: 5 * time.Second})
	if tr.TLSClientConfig == nil {
		t.Fatal("TLSClientConfig should not be nil")
	}
	if tr.TLSClientConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("Transport TLS MinVersion = %d, want %d",
			tr.TLSClientConfig.MinVersion, tls.VersionTLS12)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true")
	}
	if tr.MaxIdleConns != 7 {
		t.Errorf("MaxIdleConns = %d, want 7", tr.MaxIdleConns)
	}
	if tr.IdleConnTimeout != 5*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 5s", tr.IdleConnTimeout)
	}
}

func TestTransportZeroOptionsUseDefaults(t *testing.T) {
	def := DefaultOptions()
	tr := Transport(Options{})
	if tr.MaxIdleConns != def.MaxIdleConns {
		t.Errorf("MaxIdleConns = %d, want %d", tr.MaxIdleConns, def.MaxIdleConns)
	}
	if tr.IdleConnTimeout != def.IdleConnTimeout {
		t.Errorf("IdleConnTimeout = %v, want %v", tr.IdleConnTimeout, def.IdleConnTimeout)
	}
}

func TestClientAppliesTimeout(t *testing.T) {
	client := Client(Options{Timeout: 15 * time.Second})
	if client.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", client.Timeout)
	}
	if client.Transport == nil {
		t.Fatal("Transport should not be nil")
	}

	if def := Client(Options{}); def.Timeout != DefaultOptions().Timeout {
		t.Errorf("zero timeout should fall back to %v, got %v", DefaultOptions().Timeout, def.Timeout)
	}
}
