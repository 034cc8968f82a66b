package common_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tienda/internal/common"
)

func newIdemHandler(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	idem := common.Idem{R: rdb, TTL: time.Minute}
	return idem.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestIdempotencyBlocksReplay(t *testing.T) {
	handler := newIdemHandler(t)

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader("{}"))
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("checkout-1"))
	assert.Equal(t, http.StatusConflict, send("checkout-1"))
	assert.Equal(t, http.StatusOK, send("checkout-2"))
}

func TestIdempotencyWithoutKeyPassesThrough(t *testing.T) {
	handler := newIdemHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/pay", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
