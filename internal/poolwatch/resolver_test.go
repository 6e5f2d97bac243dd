package poolwatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPResolver_Resolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/pools/MINT_OK":
			_, _ = w.Write([]byte(`{"poolAddress":"POOL","baseVault":"BV","quoteVault":"QV","baseDecimals":6,"quoteDecimals":9}`))
		case "/v1/pools/MINT_PARTIAL":
			_, _ = w.Write([]byte(`{"poolAddress":"POOL"}`))
		case "/v1/pools/MINT_ERR":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, time.Second)
	ctx := context.Background()

	info, err := r.Resolve(ctx, "MINT_OK")
	require.NoError(t, err)
	assert.Equal(t, PoolInfo{PoolAddress: "POOL", BaseVault: "BV", QuoteVault: "QV", BaseDecimals: 6, QuoteDecimals: 9}, *info)

	_, err = r.Resolve(ctx, "MINT_MISSING")
	assert.True(t, errors.Is(err, ErrPoolNotFound))

	_, err = r.Resolve(ctx, "MINT_ERR")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPoolNotFound))

	_, err = r.Resolve(ctx, "MINT_PARTIAL")
	require.Error(t, err)
}
