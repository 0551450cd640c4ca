package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestL2BookSendsCoin(t *testing.T) {
	var got InfoRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/info", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"coin":"ETH","levels":[[],[]],"time":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	resp, err := c.L2Book(context.Background(), "ETH")
	require.NoError(t, err)
	require.Equal(t, "l2Book", got.Type)
	require.Equal(t, "ETH", got.Coin)
	require.Equal(t, "ETH", resp["coin"])
}

func TestOpenOrdersRejectsNonArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"oops":true}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).OpenOrders(context.Background(), "0xabc")
	require.Error(t, err)
}

func TestHTTPErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).Info(context.Background(), InfoRequest{Type: "meta"})
	require.ErrorContains(t, err, "http 429")
}
