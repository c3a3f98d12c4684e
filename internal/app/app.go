package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hl-rsi-bot/internal/account"
	"hl-rsi-bot/internal/alerts"
	"hl-rsi-bot/internal/bus"
	"hl-rsi-bot/internal/config"
	"hl-rsi-bot/internal/exec"
	"hl-rsi-bot/internal/hl/exchange"
	"hl-rsi-bot/internal/hl/rest"
	"hl-rsi-bot/internal/hl/ws"
	"hl-rsi-bot/internal/market"
	"hl-rsi-bot/internal/metrics"
	"hl-rsi-bot/internal/runner"
	persist "hl-rsi-bot/internal/state"
	"hl-rsi-bot/internal/state/sqlite"
	"hl-rsi-bot/internal/strategy"
	"hl-rsi-bot/internal/timescale"
)

const statusPersistInterval = 10 * time.Second

type submitter interface {
	runner.Submitter
	Cancel(ctx context.Context, symbol, cloid string) error
}

type tickFeed interface {
	runner.TickSource
	Run(ctx context.Context) error
}

type instrumentSource interface {
	runner.ScaleLookup
	Refresh(ctx context.Context) error
}

type operatorChannel interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       persist.Store
	feed        tickFeed
	instruments instrumentSource
	account     *account.Account
	exchange    *exchange.Client
	submitter   submitter
	registry    *runner.Registry
	metrics     *metrics.Metrics
	prom        *metrics.Prometheus
	alerts      operatorChannel
	notifier    *alerts.TradeNotifier
	timescale   *timescale.Writer
	redis       *bus.Redis
	publisher   *bus.Publisher
	observers   []runner.Observer

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, store: store}
	if err := a.init(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg, log := a.cfg, a.log
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	feedWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	instruments := market.NewInstruments(restClient)
	a.feed = market.NewFeed(feedWS, log)
	a.instruments = instruments

	a.metrics = metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	if cfg.Strategy.Paper {
		paper := exec.NewPaper(nil, nil, log)
		a.submitter = paper
		a.registry = runner.NewRegistry(a.newRunner, ledgerPositions{ledger: paper.Ledger()}, log)
		paper.SetSink(a.registry)
		log.Info("paper trading enabled")
	} else if err := a.initLive(restClient, instruments); err != nil {
		return err
	}

	if cfg.Telegram.Enabled {
		tg := alerts.NewTelegram(cfg.Telegram, log)
		a.alerts = tg
		a.notifier = alerts.NewTradeNotifier(tg, log, cfg.Strategy.Paper)
		a.observers = append(a.observers, a.notifier)
	}
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	if writer != nil {
		a.timescale = writer
		a.observers = append(a.observers, newTimescaleRecorder(writer, cfg.Strategy.Interval.String()))
	}
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := bus.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.redis = rdb
		a.publisher = bus.NewPublisher(rdb, cfg.Redis.Channel, log)
		a.observers = append(a.observers, a.publisher)
	}
	return nil
}

func (a *App) initLive(restClient *rest.Client, instruments *market.Instruments) error {
	cfg, log := a.cfg, a.log
	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		return errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		return errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		return err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		return fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress)
	if err != nil {
		return err
	}
	exClient.SetLogger(log)
	a.exchange = exClient
	a.submitter = exec.New(exClient, instruments, a.store, log, exec.Options{
		Tif:          exchange.Tif(cfg.Strategy.Tif),
		MaxAttempts:  cfg.Exec.MaxAttempts,
		RetryBackoff: cfg.Exec.RetryBackoff,
	})

	accountWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	a.account = account.New(restClient, accountWS, log, accountAddress)
	a.registry = runner.NewRegistry(a.newRunner, a.account, log)
	a.account.SetSink(a.registry)
	return nil
}

func (a *App) newRunner(symbol string) (*runner.Runner, error) {
	s := a.cfg.Strategy
	return runner.New(runner.Config{
		Symbol:            symbol,
		Interval:          s.Interval,
		Period:            s.Period,
		Low:               s.Low,
		High:              s.High,
		NotionalUSD:       s.NotionalUSD,
		MaxOrdersPerCycle: s.MaxOrdersPerCycle,
		CloseRetention:    s.CloseRetention,
		QueueSize:         s.QueueSize,
		SlippageBps:       s.SlippageBps,
	}, runner.Deps{
		Feed:      a.feed,
		Scales:    a.instruments,
		Submitter: a.submitter,
		Metrics:   a.metrics,
		Log:       a.log,
		Observers: a.observers,
	})
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if a.exchange != nil {
		if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if state, ok := a.exchange.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", state.Key), zap.Uint64("nonce_seed", state.Last))
		}
	}
	if err := a.instruments.Refresh(ctx); err != nil {
		a.log.Warn("instrument refresh failed", zap.Error(err))
	}
	if a.account != nil {
		if err := a.account.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconcile account: %w", err)
		}
		if err := a.account.Subscribe(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.feed.Run(gctx) })
	if a.account != nil {
		g.Go(func() error { return a.account.Run(gctx) })
	}
	if a.prom != nil {
		a.serveMetrics(gctx, g)
	}
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(gctx) })
	}
	if a.timescale != nil {
		g.Go(func() error { return a.timescale.Run(gctx) })
	}
	if a.publisher != nil {
		g.Go(func() error { return a.publisher.Run(gctx) })
	}
	if a.cfg.Telegram.OperatorEnabled {
		a.startOperator(gctx, g)
	}

	for _, symbol := range a.cfg.Strategy.Symbols {
		if _, err := a.registry.Start(gctx, symbol); err != nil {
			a.registry.StopAll()
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start %s: %w", symbol, err)
		}
	}
	a.log.Info("runners started", zap.Strings("symbols", a.registry.Symbols()), zap.Bool("paper", a.cfg.Strategy.Paper))

	g.Go(func() error {
		a.persistStatusLoop(gctx)
		a.registry.StopAll()
		a.persistStatuses(context.Background())
		return nil
	})
	return g.Wait()
}

func (a *App) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.log.Info("metrics server listening", zap.String("addr", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) persistStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.persistStatuses(ctx)
		}
	}
}

func (a *App) persistStatuses(ctx context.Context) {
	if a.store == nil || a.registry == nil {
		return
	}
	now := time.Now().UTC().UnixMilli()
	statuses := a.registry.Statuses()
	out := make([]persist.RunnerStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, runnerStatusRecord(st, now))
	}
	if err := persist.SaveRunnerStatuses(ctx, a.store, out); err != nil {
		a.log.Warn("persist runner status failed", zap.Error(err))
	}
}

func runnerStatusRecord(st runner.Status, updatedAtMS int64) persist.RunnerStatus {
	return persist.RunnerStatus{
		Symbol:        st.Symbol,
		CandleCount:   st.CandleCount,
		Oscillator:    st.Oscillator,
		Warm:          st.Warm,
		Side:          string(st.Side),
		Qty:           st.Qty,
		Band:          string(st.Band),
		OrdersInCycle: st.OrdersInCycle,
		Armed:         st.Armed,
		Inflight:      st.Inflight,
		UpdatedAtMS:   updatedAtMS,
	}
}

func (a *App) close() {
	if a.timescale != nil {
		_ = a.timescale.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// ledgerPositions seeds paper runners from the simulated ledger.
type ledgerPositions struct {
	ledger *exec.Ledger
}

func (l ledgerPositions) Position(symbol string) (strategy.PositionUpdate, bool) {
	pos := l.ledger.Position(symbol)
	if pos.Qty == 0 {
		return strategy.PositionUpdate{}, false
	}
	return strategy.PositionUpdate{Symbol: symbol, NetQty: pos.Qty, EntryPrice: pos.EntryPrice, HasEntryPrice: true}, true
}
