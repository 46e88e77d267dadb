package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestExporter_ExportItems(t *testing.T) {
	var (
		receivedBody         []byte
		receivedContentType  string
		receivedEncoding     string
		receivedCustomHeader string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedEncoding = r.Header.Get("Content-Encoding")
		receivedCustomHeader = r.Header.Get("X-Scope-OrgID")

		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := Config{
		Enabled:     true,
		Endpoint:    server.URL,
		Compression: CompressionGzip,
		Headers: map[string]string{
			"X-Scope-OrgID": "tenant-1",
		},
	}

	exporter, err := NewExporter[testRow](testLog(), cfg)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	rows := []*testRow{
		{Name: "wc.sum", Value: 300},
		{Name: "wc.mean", Value: 150},
	}

	err = exporter.ExportItems(context.Background(), rows)
	require.NoError(t, err)

	assert.Equal(t, "application/x-ndjson", receivedContentType)
	assert.Equal(t, "gzip", receivedEncoding)
	assert.Equal(t, "tenant-1", receivedCustomHeader)

	decompressed, err := DecompressGzip(receivedBody)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(decompressed)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"name":"wc.sum"`)
	assert.Contains(t, lines[1], `"name":"wc.mean"`)
}

func TestExporter_NoCompression(t *testing.T) {
	var (
		receivedBody     []byte
		receivedEncoding string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedEncoding = r.Header.Get("Content-Encoding")

		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := Config{
		Enabled:     true,
		Endpoint:    server.URL,
		Compression: CompressionNone,
	}

	exporter, err := NewExporter[testRow](testLog(), cfg)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testRow{
		{Name: "wc.sum", Value: 300},
	})
	require.NoError(t, err)

	// No Content-Encoding for an uncompressed payload.
	assert.Empty(t, receivedEncoding)
	assert.Contains(t, string(receivedBody), `"name":"wc.sum"`)
}

func TestExporter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := Config{
		Enabled:     true,
		Endpoint:    server.URL,
		Compression: CompressionNone,
	}

	exporter, err := NewExporter[testRow](testLog(), cfg)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testRow{
		{Name: "wc.sum", Value: 300},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 502")
}

func TestExporter_EmptyBatch(t *testing.T) {
	serverCalled := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		serverCalled = true

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := Config{
		Enabled:     true,
		Endpoint:    server.URL,
		Compression: CompressionNone,
	}

	exporter, err := NewExporter[testRow](testLog(), cfg)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testRow{})
	require.NoError(t, err)

	assert.False(t, serverCalled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "disabled skips validation",
			cfg:  Config{Enabled: false},
		},
		{
			name: "enabled without endpoint",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.Enabled = true

				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "valid",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.Enabled = true
				cfg.Endpoint = "http://localhost:9000"

				return cfg
			}(),
		},
		{
			name: "bad compression",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.Enabled = true
				cfg.Endpoint = "http://localhost:9000"
				cfg.Compression = "brotli"

				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "batch larger than queue",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.Enabled = true
				cfg.Endpoint = "http://localhost:9000"
				cfg.BatchSize = 100
				cfg.MaxQueueSize = 10

				return cfg
			}(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
