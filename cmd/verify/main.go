package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hl-mm-bot/internal/account"
	"hl-mm-bot/internal/book"
	"hl-mm-bot/internal/config"
	"hl-mm-bot/internal/domain"
	"hl-mm-bot/internal/hl/exchange"
	"hl-mm-bot/internal/hl/rest"
	"hl-mm-bot/internal/logging"
	"hl-mm-bot/internal/market"
	"hl-mm-bot/internal/quote"
	"hl-mm-bot/internal/risk"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// verify runs the quoting path once per market against live REST data and
// prints what the bot would quote. Nothing is signed or sent.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	only := flag.String("market", "", "verify a single market")
	equityFlag := flag.Float64("equity", 0, "equity to quote against instead of the account value")
	interval := flag.Duration("interval", time.Second, "delay between book snapshots")
	flag.Parse()

	if _, err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	md := market.New(restClient, nil, log)
	if err := md.RefreshContexts(ctx); err != nil {
		fatal(fmt.Errorf("load asset contexts: %w", err))
	}

	equity, hasEquity := *equityFlag, *equityFlag > 0
	if !hasEquity {
		equity, hasEquity, err = accountEquity(ctx, restClient, log)
		if err != nil {
			fatal(err)
		}
	}
	fmt.Printf("equity: %.2f (known=%t)\n", equity, hasEquity)

	for _, mc := range cfg.Markets {
		if *only != "" && !strings.EqualFold(*only, mc.Name) {
			continue
		}
		if !mc.EnabledValue() {
			fmt.Printf("%s: disabled\n", mc.Name)
			continue
		}
		if err := mc.Validate(); err != nil {
			fmt.Printf("%s: skipped: %v\n", mc.Name, err)
			continue
		}
		if err := verifyMarket(ctx, md, mc, equity, hasEquity, *interval); err != nil {
			fmt.Printf("%s: %v\n", mc.Name, err)
		}
	}
}

func accountEquity(ctx context.Context, restClient *rest.Client, log *zap.Logger) (float64, bool, error) {
	user := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if user == "" {
		user = strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	}
	if user == "" {
		return 0, false, errors.New("HL_ACCOUNT_ADDRESS or HL_WALLET_ADDRESS is required unless -equity is set")
	}
	acct := account.New(restClient, nil, log, user)
	if err := acct.RefreshBalance(ctx); err != nil {
		return 0, false, fmt.Errorf("load balance: %w", err)
	}
	equity, ok := acct.Equity()
	return equity, ok, nil
}

func verifyMarket(ctx context.Context, md *market.MarketData, mc config.MarketConfig, equity float64, hasEquity bool, interval time.Duration) error {
	perp, ok := md.PerpContext(mc.Name)
	if !ok {
		return errors.New("perp not listed")
	}
	b := book.New(mc)
	// the book needs ValidAfter consecutive good snapshots before it quotes
	for i := 0; i < mc.ValidAfter; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		snap, err := md.Snapshot(ctx, mc.Name)
		if err != nil {
			return fmt.Errorf("l2Book snapshot: %w", err)
		}
		if err := b.Apply(snap); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}
	st := b.State()
	fmt.Printf("%s: asset=%d sz_decimals=%d best_bid=%g best_ask=%g mid=%g sigma=%.6f valid=%t funding=%.8f\n",
		mc.Name, perp.Index, perp.SzDecimals, st.BestBid, st.BestAsk, st.Mid, st.Sigma, st.Valid, perp.FundingRate)
	if !st.Valid {
		return errors.New("book not valid; no quote")
	}

	desired, ok := quote.Compute(quote.Inputs{Book: st, Equity: equity, FundingRate: perp.FundingRate}, mc)
	if !ok {
		return errors.New("no quote for this mid")
	}
	decision := risk.NewManager(mc.Risk, nil).Evaluate(desired, risk.Exposure{
		Mid:       st.Mid,
		Equity:    equity,
		HasEquity: hasEquity,
	})
	if len(decision.Breaches) > 0 {
		fmt.Printf("  risk: %v cancel_all=%t\n", decision.Breaches, decision.CancelAll)
	}
	printSide("bid", decision.Quote.Bid, perp.SzDecimals, st.Mid)
	printSide("ask", decision.Quote.Ask, perp.SzDecimals, st.Mid)
	return nil
}

func printSide(label string, q domain.Quote, szDecimals int, mid float64) {
	if q.Size <= 0 {
		fmt.Printf("  %s: none\n", label)
		return
	}
	px, err := exchange.PriceToWire(q.Price, szDecimals, q.Side.IsBuy())
	if err != nil {
		px = "invalid: " + err.Error()
	}
	sz, err := exchange.SizeToWire(q.Size, szDecimals)
	if err != nil {
		sz = "invalid: " + err.Error()
	}
	fmt.Printf("  %s: %s @ %s (raw %.6f @ %.6f, %.2f bps from mid)\n",
		label, sz, px, q.Size, q.Price, (q.Price/mid-1)*1e4)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
