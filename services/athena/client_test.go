package athena

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSubmit(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		assert.Equal(t, "secret", r.Header.Get("x-api-token"))
		assert.Contains(t, r.Header.Get("Accept"), "text/event-stream")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message\ndata: "+strings.ReplaceAll(resourceEnvelope, "\n", "")+"\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL, APIToken: "secret"})
	require.NoError(t, err)

	env, err := client.RunQuery(context.Background(), "SELECT 1", 10000)
	require.NoError(t, err)
	assert.Equal(t, ResultResource, env.Result.Kind())

	assert.Equal(t, "2.0", gotBody["jsonrpc"])
	assert.Equal(t, "tools/call", gotBody["method"])
	params := gotBody["params"].(map[string]any)
	assert.Equal(t, "run_query", params["name"])
	args := params["arguments"].(map[string]any)
	assert.Equal(t, "SELECT 1", args["query"])
	assert.EqualValues(t, 10000, args["max_rows"])
}

func TestClientSubmitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{Endpoint: srv.URL, APIToken: "secret"})
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), "SELECT 1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")

	_, err = client.Submit(context.Background(), "SELECT 1", MaxRows+1)
	require.Error(t, err)

	_, err = client.Submit(context.Background(), "  ", 10)
	require.Error(t, err)
}

func TestClientSubmitHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client, err := NewClient(Config{Endpoint: srv.URL, APIToken: "secret"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Submit(ctx, "SELECT 1", 10)
	require.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{APIToken: "x"})
	require.Error(t, err)
	_, err = NewClient(Config{Endpoint: "http://localhost"})
	require.Error(t, err)
}

type fakeObjects struct {
	bucket, key string
	body        string
	err         error
}

func (f *fakeObjects) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.bucket, f.key = bucket, key
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestResultBucketFetchCSV(t *testing.T) {
	objects := &fakeObjects{body: "a,b\n1,2\n"}
	bucket, err := NewResultBucket(objects, "athena-results", "exports/")
	require.NoError(t, err)

	rc, err := bucket.FetchCSV(context.Background(), "exec-123")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	assert.Equal(t, "athena-results", objects.bucket)
	assert.Equal(t, "exports/exec-123.csv", objects.key)

	objects.err = errors.New("NoSuchKey")
	_, err = bucket.FetchCSV(context.Background(), "exec-404")
	require.ErrorContains(t, err, "NoSuchKey")
}
