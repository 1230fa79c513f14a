package network

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultClientConfig(t *testing.T) {
	cfg := NewDefaultClientConfig()
	assert.Zero(t, cfg.RequestTimeout)
	assert.Zero(t, cfg.ResponseHeaderTimeout)
	assert.True(t, cfg.ForceHTTP2)
	assert.Equal(t, DefaultMaxIdleConnsPerHost, cfg.MaxIdleConnsPerHost)
}

func TestNewHTTPTransport(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cfg.IgnoreTLSErrors = true

	tr := NewHTTPTransport(cfg)
	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
	assert.Equal(t, DefaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.NotNil(t, tr.Proxy)
	assert.Contains(t, tr.TLSNextProto, "h2", "http2 should be configured on the transport")
}

func TestNewHTTPTransport_NilConfig(t *testing.T) {
	tr := NewHTTPTransport(nil)
	assert.Equal(t, DefaultMaxIdleConns, tr.MaxIdleConns)
}

func TestNewClient_RoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer ts.Close()

	cfg := NewDefaultClientConfig()
	cfg.RequestTimeout = 5 * time.Second
	client := NewClient(cfg)
	assert.Equal(t, 5*time.Second, client.Timeout)

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestNewClient_HTTP2OverTLS(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.Proto)
	}))
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()

	cfg := NewDefaultClientConfig()
	cfg.IgnoreTLSErrors = true
	resp, err := NewClient(cfg).Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0", string(body))
}
