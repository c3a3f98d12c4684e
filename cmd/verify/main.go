package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hl-rsi-bot/internal/config"
	"hl-rsi-bot/internal/exec"
	"hl-rsi-bot/internal/hl/exchange"
	"hl-rsi-bot/internal/hl/rest"
	"hl-rsi-bot/internal/logging"
	"hl-rsi-bot/internal/market"
	persist "hl-rsi-bot/internal/state"
	"hl-rsi-bot/internal/state/sqlite"
	"hl-rsi-bot/internal/strategy"
)

const (
	defaultVerifyNotional = 15.0
	defaultSlippageBps    = 20.0
	defaultRESTTimeout    = 10 * time.Second
	defaultRESTBaseURL    = "https://api.hyperliquid.xyz"
	defaultStatePath      = "data/hl-rsi-bot.db"
	defaultVerifyEnvFile  = ".env"
)

func main() {
	configPath := flag.String("config", "", "optional config path for REST and state settings")
	symbol := flag.String("symbol", "", "symbol to check (defaults to HL_VERIFY_SYMBOL or the first configured symbol)")
	sideFlag := flag.String("side", "buy", "order side to size and match: buy or sell")
	notionalFlag := flag.Float64("notional", 0, "USD notional to size (defaults to HL_VERIFY_NOTIONAL or strategy.notional_usd)")
	place := flag.Bool("place", false, "submit a live IOC order at the matched level")
	showStatus := flag.Bool("status", false, "print stored runner status snapshots and exit")
	showCloids := flag.Bool("cloids", false, "print cached client order ids and exit")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}

	logCfg := config.LoggingConfig{Level: "info"}
	baseURL := defaultRESTBaseURL
	timeout := defaultRESTTimeout
	statePath := defaultStatePath
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
		logCfg = cfg.Log
		baseURL = cfg.REST.BaseURL
		timeout = cfg.REST.Timeout
		statePath = cfg.State.SQLitePath
	}

	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()
	ctx := context.Background()

	if *showStatus || *showCloids {
		store, err := sqlite.New(statePath)
		if err != nil {
			fatal(err)
		}
		defer store.Close()
		if *showStatus {
			printStatuses(ctx, store)
		}
		if *showCloids {
			printCloids(ctx, store)
		}
		return
	}

	sym := strings.TrimSpace(*symbol)
	if sym == "" {
		sym = strings.TrimSpace(os.Getenv("HL_VERIFY_SYMBOL"))
	}
	if sym == "" && cfg != nil && len(cfg.Strategy.Symbols) > 0 {
		sym = cfg.Strategy.Symbols[0]
	}
	sym = strategy.NormalizeSymbol(sym)
	if sym == "" {
		fatal(errors.New("a symbol is required: -symbol or HL_VERIFY_SYMBOL"))
	}
	side, err := parseSide(*sideFlag)
	if err != nil {
		fatal(err)
	}

	notional := *notionalFlag
	if notional <= 0 {
		if envVal, ok, err := floatEnv("HL_VERIFY_NOTIONAL"); err != nil {
			fatal(err)
		} else if ok {
			notional = envVal
		} else if cfg != nil {
			notional = cfg.Strategy.NotionalUSD
		} else {
			notional = defaultVerifyNotional
		}
	}
	slippageBps := defaultSlippageBps
	if cfg != nil {
		slippageBps = cfg.Strategy.SlippageBps
	}
	if envVal, ok, err := floatEnv("HL_VERIFY_SLIPPAGE_BPS"); err != nil {
		fatal(err)
	} else if ok {
		slippageBps = envVal
	}

	restClient := rest.New(baseURL, timeout, log)
	instruments := market.NewInstruments(restClient)
	inst, err := instruments.Lookup(ctx, sym)
	if err != nil {
		fatal(err)
	}
	book, err := instruments.Book(ctx, sym)
	if err != nil {
		fatal(err)
	}
	mid, ok := book.Mid()
	if !ok {
		fatal(fmt.Errorf("empty book for %s", sym))
	}
	qty, err := strategy.QuantityForNotional(notional, mid, inst.QuantityScale)
	if err != nil {
		fatal(err)
	}
	size, _ := strconv.ParseFloat(qty, 64)
	fmt.Printf("instrument: symbol=%s asset_id=%d quantity_scale=%d max_leverage=%d\n", inst.Symbol, inst.AssetID, inst.QuantityScale, inst.MaxLeverage)
	if bid, ok := book.BestBid(); ok {
		fmt.Printf("best bid: %g x %g\n", bid.Price, bid.Size)
	}
	if ask, ok := book.BestAsk(); ok {
		fmt.Printf("best ask: %g x %g\n", ask.Price, ask.Size)
	}
	fmt.Printf("sizing: notional=%.2f mid=%g qty=%s\n", notional, mid, qty)
	if size <= 0 {
		fmt.Println("quantity truncates to zero at this scale")
		return
	}
	level, ok := strategy.MatchingLevel(book, size, side)
	if !ok {
		fmt.Printf("no single %s-side level covers %s; the runner would skip this signal\n", depthSide(side), qty)
		return
	}
	limit := strategy.LimitPrice(level, side, slippageBps)
	fmt.Printf("matched level: %g, limit with %.1f bps: %g\n", level, slippageBps, limit)
	if !*place {
		return
	}

	submitter, closeStore := liveSubmitter(ctx, log, baseURL, timeout, statePath, instruments)
	defer closeStore()
	req := strategy.OrderRequest{
		Symbol:        sym,
		Quantity:      qty,
		Price:         limit,
		Reason:        "verify",
		ClientOrderID: exec.NewClientOrderID(),
	}
	var res strategy.OrderResult
	if side.IsBuy() {
		res, err = submitter.Buy(ctx, req)
	} else {
		res, err = submitter.Sell(ctx, req)
	}
	if err != nil {
		fatal(err)
	}
	fmt.Printf("exchange response: cloid=%s oid=%d status=%s filled=%g avg_px=%g\n", res.ClientOrderID, res.OrderID, res.Status, res.FilledQty, res.AvgPrice)
}

func liveSubmitter(ctx context.Context, log *zap.Logger, baseURL string, timeout time.Duration, statePath string, instruments *market.Instruments) (*exec.Executor, func()) {
	wallet := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if wallet == "" {
		fatal(errors.New("HL_WALLET_ADDRESS is required"))
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		fatal(errors.New("HL_PRIVATE_KEY is required"))
	}
	isMainnet := !strings.Contains(strings.ToLower(baseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		fatal(err)
	}
	if !strings.EqualFold(wallet, signer.Address().Hex()) {
		fatal(fmt.Errorf("wallet address does not match private key: got %s expected %s", wallet, signer.Address().Hex()))
	}
	exClient, err := exchange.NewClient(baseURL, timeout, signer, strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")))
	if err != nil {
		fatal(err)
	}
	exClient.SetLogger(log)
	store, err := sqlite.New(statePath)
	if err != nil {
		log.Warn("state store unavailable, nonce and cloid cache are in-memory", zap.Error(err))
		return exec.New(exClient, instruments, nil, log, exec.Options{Tif: exchange.TifIoc}), func() {}
	}
	if err := exClient.InitNonceStore(ctx, store); err != nil {
		log.Warn("nonce store init failed", zap.Error(err))
	}
	return exec.New(exClient, instruments, store, log, exec.Options{Tif: exchange.TifIoc}), func() { _ = store.Close() }
}

func printStatuses(ctx context.Context, store persist.Store) {
	statuses, err := persist.LoadRunnerStatuses(ctx, store)
	if err != nil {
		fatal(err)
	}
	if len(statuses) == 0 {
		fmt.Println("no runner status recorded")
		return
	}
	for _, st := range statuses {
		rsi := "warming up"
		if st.Warm {
			rsi = strconv.FormatFloat(st.Oscillator, 'f', 2, 64)
		}
		fmt.Printf("%s rsi=%s side=%s qty=%g band=%s orders=%d armed=%t inflight=%t candles=%d updated=%s\n",
			st.Symbol, rsi, st.Side, st.Qty, st.Band, st.OrdersInCycle, st.Armed, st.Inflight, st.CandleCount,
			time.UnixMilli(st.UpdatedAtMS).UTC().Format(time.RFC3339))
	}
}

func printCloids(ctx context.Context, store *sqlite.Store) {
	keys, err := store.Keys(ctx, "cloid:")
	if err != nil {
		fatal(err)
	}
	for _, key := range keys {
		oid, _, err := store.Get(ctx, key)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s oid=%s\n", strings.TrimPrefix(key, "cloid:"), oid)
	}
	fmt.Printf("%d cached order ids\n", len(keys))
}

func parseSide(raw string) (strategy.OrderSide, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "b":
		return strategy.OrderSideBuy, nil
	case "sell", "s":
		return strategy.OrderSideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q: use buy or sell", raw)
	}
}

func depthSide(side strategy.OrderSide) string {
	if side.IsBuy() {
		return "ask"
	}
	return "bid"
}

func floatEnv(key string) (float64, bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return 0, false, nil
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, true, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
