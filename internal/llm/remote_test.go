package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htmlfarmer/pulse/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLLMConfig(serverURL string) config.LLMConfig {
	return config.LLMConfig{
		ServerURL:             serverURL,
		Provider:              "gemini-2.5-flash-lite",
		RetryCount:            2,
		BackoffBaseSeconds:    0.1,
		RequestTimeoutSeconds: 5,
		HealthTimeoutSeconds:  2,
		StreamTimeoutSeconds:  5,
	}
}

func TestRemote_DirectJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"response": "ok", "provider": "test"})
	}))
	defer srv.Close()

	c := NewRemote(testLLMConfig(srv.URL+"/ask"), clockwork.NewRealClock(), testLogger())
	require.True(t, c.Available())

	res := c.Ask(context.Background(), "hello", "")
	require.True(t, res.OK())
	assert.Equal(t, "ok", res.Text)
}

func TestRemote_PlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("  plain answer \n"))
	}))
	defer srv.Close()

	c := NewRemote(testLLMConfig(srv.URL), clockwork.NewRealClock(), testLogger())
	res := c.Ask(context.Background(), "hello", "")
	require.True(t, res.OK())
	assert.Equal(t, "plain answer", res.Text)
}

func TestRemote_UnavailableMakesNoRequest(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		posts.Add(1)
	}))
	defer srv.Close()

	c := NewRemote(testLLMConfig(srv.URL), clockwork.NewRealClock(), testLogger())
	require.False(t, c.Available())

	res := c.Ask(context.Background(), "hello", "")
	assert.Equal(t, KindUnavailable, res.Kind)
	assert.False(t, res.OK())
	assert.Equal(t, int64(0), posts.Load())
}

func TestRemote_RetryOn500ThenSuccess(t *testing.T) {
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal Error"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"response": "ok_after_retry"})
	}))
	defer srv.Close()

	fc := clockwork.NewFakeClock()
	c := NewRemote(testLLMConfig(srv.URL), fc, testLogger())

	done := make(chan Result, 1)
	go func() {
		done <- c.Ask(context.Background(), "hello", "")
	}()

	// The client must block in a real backoff sleep of base*2^0 = 0.1s
	// before the second attempt.
	fc.BlockUntil(1)
	assert.Equal(t, int64(1), posts.Load())
	fc.Advance(100 * time.Millisecond)

	select {
	case res := <-done:
		require.True(t, res.OK())
		assert.Equal(t, "ok_after_retry", res.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after backoff advance")
	}
	assert.Equal(t, int64(2), posts.Load())
}

func TestRemote_StreamingFallbackOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		if r.URL.RawQuery == "stream=1" {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("data: chunk1\n\n"))
			w.Write([]byte("data: chunk2\n\n"))
			w.Write([]byte("data: [DONE]\n\n"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Error"))
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.RetryCount = 0
	c := NewRemote(cfg, clockwork.NewRealClock(), testLogger())

	res := c.Ask(context.Background(), "hello", "")
	require.True(t, res.OK())
	assert.Equal(t, "chunk1\nchunk2", res.Text)
}

func TestRemote_StreamingStopsOnDoneEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		if r.URL.RawQuery == "stream=1" {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte("data: partial\n\n"))
			w.Write([]byte("event: done\n\n"))
			w.Write([]byte("data: never-read\n\n"))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.RetryCount = 0
	c := NewRemote(cfg, clockwork.NewRealClock(), testLogger())

	res := c.Ask(context.Background(), "hello", "")
	require.True(t, res.OK())
	assert.Equal(t, "partial", res.Text)
}

func TestRemote_ProviderFailoverOnLeakedKey(t *testing.T) {
	var firstProvider atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		var req askRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		firstProvider.CompareAndSwap(nil, req.Provider)

		if req.Provider == LocalProvider {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"response": "local_ok"})
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("gemini-3-flash-preview\n403 Your API key was reported as leaked. Please use another API key."))
	}))
	defer srv.Close()

	c := NewRemote(testLLMConfig(srv.URL), clockwork.NewRealClock(), testLogger())
	res := c.Ask(context.Background(), "hello world", "")
	require.True(t, res.OK())
	assert.Equal(t, "local_ok", res.Text)
	assert.Equal(t, "gemini-2.5-flash-lite", firstProvider.Load())
}

func TestRemote_ExhaustedIsDescriptive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("OK"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testLLMConfig(srv.URL)
	cfg.RetryCount = 0
	c := NewRemote(cfg, clockwork.NewRealClock(), testLogger())

	res := c.Ask(context.Background(), "hello", "")
	assert.Equal(t, KindExhausted, res.Kind)
	require.Error(t, res.Err)
}
