package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

func (a *App) httpHandler() http.Handler {
	mux := http.NewServeMux()
	if a.prom != nil {
		mux.Handle("GET "+a.cfg.Metrics.Path, a.prom.Handler())
	}
	mux.HandleFunc("GET /markets", a.handleMarkets)
	mux.HandleFunc("POST /markets/{name}/resume", a.handleResume)
	return mux
}

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           a.httpHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("http listening", zap.String("address", srv.Addr), zap.String("metrics_path", a.cfg.Metrics.Path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type marketStatusResponse struct {
	Market        string  `json:"market"`
	BookValid     bool    `json:"book_valid"`
	Mid           float64 `json:"mid"`
	Inventory     float64 `json:"inventory"`
	NetPnL        float64 `json:"net_pnl"`
	OpenOrders    int     `json:"open_orders"`
	Stale         bool    `json:"stale"`
	Breaker       string  `json:"breaker"`
	BreakerReason string  `json:"breaker_reason,omitempty"`
}

func (a *App) handleMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]marketStatusResponse, 0)
	for _, name := range a.marketNames() {
		p, ok := a.pipeline(name)
		if !ok {
			continue
		}
		st, err := p.Status(r.Context())
		if err != nil {
			continue
		}
		out = append(out, marketStatusResponse{
			Market:        st.Market,
			BookValid:     st.BookValid,
			Mid:           st.Mid,
			Inventory:     st.Inventory,
			NetPnL:        st.NetPnL,
			OpenOrders:    st.OpenOrders,
			Stale:         st.Stale,
			Breaker:       string(st.Breaker),
			BreakerReason: st.BreakerReason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	name := strings.ToUpper(strings.TrimSpace(r.PathValue("name")))
	cleared, err := a.resumeMarket(r.Context(), name)
	if errors.Is(err, errUnknownMarket) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	a.auditOperatorEvent(r.Context(), operatorAuditEvent{
		Time:    time.Now().UTC(),
		Action:  "resume",
		Command: r.Method + " " + r.URL.Path,
		Source:  "http",
		Market:  name,
		Changed: cleared,
	})
	writeJSON(w, http.StatusOK, map[string]any{"market": name, "cleared": cleared})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
