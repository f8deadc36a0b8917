package rules

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapledger/internal/cache"
	"swapledger/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMethodForCachesLookup(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/contracts/C-1/rules", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"taxLotMethod":"LIFO"}`))
	}))
	t.Cleanup(srv.Close)

	svc := New(Config{BaseURL: srv.URL, Timeout: time.Second}, cache.NewMemory(), testLogger())
	ctx := context.Background()

	assert.Equal(t, types.MethodLIFO, svc.MethodFor(ctx, "C-1"))
	assert.Equal(t, types.MethodLIFO, svc.MethodFor(ctx, "C-1"))
	assert.Equal(t, int64(1), hits.Load(), "second lookup served from cache")
	assert.Equal(t, int64(0), svc.FallbackCount())
}

func TestMethodForEmptyContract(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, cache.NewMemory(), testLogger())
	assert.Equal(t, types.MethodFIFO, svc.MethodFor(context.Background(), ""))
}

func TestMethodForServerErrorFallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	svc := New(Config{BaseURL: srv.URL, Timeout: time.Second}, cache.NewMemory(), testLogger())
	assert.Equal(t, types.MethodFIFO, svc.MethodFor(context.Background(), "C-ERR"))
	assert.Equal(t, int64(1), svc.FallbackCount())
}

func TestMethodForTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"taxLotMethod":"HIFO"}`))
	}))
	t.Cleanup(srv.Close)

	svc := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, cache.NewMemory(), testLogger())
	assert.Equal(t, types.MethodFIFO, svc.MethodFor(context.Background(), "C-SLOW"))
	assert.Equal(t, int64(1), svc.FallbackCount())
}

func TestMethodForUnknownMethodFallsBack(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"taxLotMethod":"AVERAGE"}`))
	}))
	t.Cleanup(srv.Close)

	svc := New(Config{BaseURL: srv.URL, Timeout: time.Second, DefaultMethod: types.MethodHIFO}, cache.NewMemory(), testLogger())
	assert.Equal(t, types.MethodHIFO, svc.MethodFor(context.Background(), "C-BAD"))
	assert.Equal(t, int64(1), svc.FallbackCount())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	svc := New(Config{BaseURL: srv.URL, Timeout: time.Second}, cache.NewMemory(), testLogger())
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.Equal(t, types.MethodFIFO, svc.MethodFor(ctx, "C-DOWN"))
	}
	// After five consecutive failures the breaker short-circuits the rest.
	assert.Equal(t, int64(5), hits.Load())
	assert.Equal(t, int64(8), svc.FallbackCount())
}
