package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("metricsd", "warn", &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "metricsd", entry["service"])
	assert.Equal(t, "warn", entry["level"])

	_, err = NewLogger("metricsd", "loud", &buf)
	assert.Error(t, err)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "/healthz", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, middleware, err := Init(context.Background(), "metricsd", "", zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	middleware(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, _, err = Init(context.Background(), "", "", zerolog.Nop())
	assert.Error(t, err)
}

func TestNewTraceExporterRejectsHostlessURL(t *testing.T) {
	_, err := newTraceExporter(context.Background(), "http:///v1/traces")
	assert.Error(t, err)
}
