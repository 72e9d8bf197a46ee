package ws

import (
	"net/http/httptest"
	"testing"
)

func TestOriginPolicy(t *testing.T) {
	t.Run("full origin match", func(t *testing.T) {
		p := NewOriginPolicy([]string{"http://example.com:5173"}, false)
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		r.Header.Set("Origin", "http://example.com:5173")
		if !p.Allow(r) {
			t.Fatal("expected origin to be allowed")
		}
		r.Header.Set("Origin", "http://example.com")
		if p.Allow(r) {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("hostname match ignores port and case", func(t *testing.T) {
		p := NewOriginPolicy([]string{"example.com"}, false)
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		r.Header.Set("Origin", "https://ExAmPlE.com:5173")
		if !p.Allow(r) {
			t.Fatal("expected origin to be allowed")
		}
	})

	t.Run("host port match", func(t *testing.T) {
		p := NewOriginPolicy([]string{"example.com:5173"}, false)
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		r.Header.Set("Origin", "https://example.com:5173")
		if !p.Allow(r) {
			t.Fatal("expected origin to be allowed")
		}
		r.Header.Set("Origin", "https://example.com:9999")
		if p.Allow(r) {
			t.Fatal("expected origin to be rejected")
		}
	})

	t.Run("wildcard matches subdomains only", func(t *testing.T) {
		p := NewOriginPolicy([]string{"*.example.com"}, false)
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		r.Header.Set("Origin", "https://a.example.com")
		if !p.Allow(r) {
			t.Fatal("expected subdomain to be allowed")
		}
		r.Header.Set("Origin", "https://example.com")
		if p.Allow(r) {
			t.Fatal("expected base hostname to be rejected")
		}
		r.Header.Set("Origin", "https://notexample.com")
		if p.Allow(r) {
			t.Fatal("expected suffix lookalike to be rejected")
		}
	})

	t.Run("ipv6 hostname entry", func(t *testing.T) {
		p := NewOriginPolicy([]string{"::1"}, false)
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		r.Header.Set("Origin", "http://[::1]:5173")
		if !p.Allow(r) {
			t.Fatal("expected ipv6 hostname to be allowed")
		}
	})

	t.Run("non-standard origin token", func(t *testing.T) {
		p := NewOriginPolicy([]string{"null"}, false)
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		r.Header.Set("Origin", "null")
		if !p.Allow(r) {
			t.Fatal("expected null origin to be allowed")
		}
	})

	t.Run("missing origin", func(t *testing.T) {
		r := httptest.NewRequest("GET", "http://gateway.local/ws", nil)
		if !NewOriginPolicy([]string{"example.com"}, true).Allow(r) {
			t.Fatal("expected request without Origin to be allowed")
		}
		if NewOriginPolicy([]string{"example.com"}, false).Allow(r) {
			t.Fatal("expected request without Origin to be rejected")
		}
	})
}
