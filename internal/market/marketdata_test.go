package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/hl/rest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captured struct {
	market string
	ev     domain.Event
}

func collector() (Sink, *[]captured) {
	var out []captured
	return func(market string, ev domain.Event) {
		out = append(out, captured{market: market, ev: ev})
	}, &out
}

func TestHandleMessageRoutesBook(t *testing.T) {
	md := New(nil, nil, zap.NewNop())
	sink, got := collector()
	require.NoError(t, md.Start(context.Background(), []string{"ETH"}, sink))

	md.handleMessage(json.RawMessage(`{"channel":"l2Book","data":{"coin":"ETH","time":1,"levels":[[{"px":"99","sz":"1","n":1}],[{"px":"101","sz":"2","n":1}]]}}`))
	md.handleMessage(json.RawMessage(`{"channel":"pong"}`))
	md.handleMessage(json.RawMessage(`not json`))

	require.Len(t, *got, 1)
	require.Equal(t, "ETH", (*got)[0].market)
	update, ok := (*got)[0].ev.(domain.BookUpdate)
	require.True(t, ok)
	require.Equal(t, 99.0, update.Bids[0].Price)
	require.Equal(t, 101.0, update.Asks[0].Price)
}

func TestOnStateFansOutFeedStatus(t *testing.T) {
	md := New(nil, nil, zap.NewNop())
	sink, got := collector()
	require.NoError(t, md.Start(context.Background(), []string{"ETH", "BTC"}, sink))

	md.onState(false)

	require.Len(t, *got, 2)
	for _, c := range *got {
		status, ok := c.ev.(domain.FeedStatus)
		require.True(t, ok)
		require.Equal(t, domain.FeedMarketData, status.Feed)
		require.False(t, status.Up)
	}
}

func TestSnapshotAndFundingOverREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rest.InfoRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Type {
		case "l2Book":
			_, _ = w.Write([]byte(`{"coin":"ETH","time":1,"levels":[[{"px":"1999","sz":"1","n":1}],[{"px":"2001","sz":"1","n":1}]]}`))
		case "metaAndAssetCtxs":
			_, _ = w.Write([]byte(`[{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]},[{"funding":"0.0001"},{"funding":"0.0003"}]]`))
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	md := New(rest.New(srv.URL, time.Second, nil), nil, zap.NewNop())
	sink, got := collector()
	require.NoError(t, md.Start(context.Background(), []string{"ETH"}, sink))

	update, err := md.Snapshot(context.Background(), "ETH")
	require.NoError(t, err)
	require.Equal(t, 1999.0, update.Bids[0].Price)

	md.publishFunding(context.Background())
	require.Len(t, *got, 1)
	rate, ok := (*got)[0].ev.(domain.FundingRate)
	require.True(t, ok)
	require.InDelta(t, 0.0003, rate.Rate, 1e-12)

	asset, ok := md.PerpAssetID("ETH")
	require.True(t, ok)
	require.Equal(t, 1, asset)
	pc, ok := md.PerpContext("ETH")
	require.True(t, ok)
	require.Equal(t, 4, pc.SzDecimals)
}
