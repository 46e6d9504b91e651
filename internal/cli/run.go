package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"spot-trader/internal/broker"
	"spot-trader/internal/config"
	"spot-trader/internal/engine"
	"spot-trader/internal/errors"
	"spot-trader/internal/lifecycle"
	"spot-trader/internal/notify"
	"spot-trader/internal/observability"
	"spot-trader/internal/store"
	"spot-trader/pkg/utils"
)

// metricsNamespace prefixes every exported metric.
const metricsNamespace = "spot_trader"

// addTradingCommands adds the trading loop and position commands.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		Long: `Run the trading loop for the configured strategy and symbol.

The loop polls every trading.poll_interval. SIGINT or SIGTERM stops it
after the current iteration and cancels a resting entry order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, app)
		},
	}
}

// stores is the state store and ledger selected by storage.backend. The
// ledger always lives in SQLite.
type stores struct {
	state  lifecycle.StateStore
	ledger *store.SQLiteStore
}

func openStores(cfg *config.Config) (*stores, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
		return nil, errors.NewPersistenceError("ledger", cfg.Storage.DBPath, err)
	}
	db, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return nil, errors.NewPersistenceError("ledger", cfg.Storage.DBPath, err)
	}

	s := &stores{state: db, ledger: db}
	if cfg.Storage.Backend == "file" {
		fs, err := store.NewFileStateStore(cfg.Storage.StateDir)
		if err != nil {
			db.Close()
			return nil, errors.NewPersistenceError("state", cfg.Storage.StateDir, err)
		}
		s.state = fs
	}
	return s, nil
}

func (s *stores) Close() error {
	return s.ledger.Close()
}

// loadState returns the persisted position state, FLAT when none exists.
func loadState(ctx context.Context, st lifecycle.StateStore, key string) (lifecycle.State, error) {
	data, err := st.LoadState(ctx, key)
	if errors.Is(err, errors.ErrDataNotFound) {
		return lifecycle.Flat(), nil
	}
	if err != nil {
		return lifecycle.State{}, err
	}
	return lifecycle.Decode(data)
}

// newGateway builds the exchange gateway for the configured mode. Paper mode
// reads market data from the exchange and simulates orders and balances.
// A restored open position is seeded into the simulated base balance so its
// exit can be sold.
func newGateway(cfg *config.Config, restored lifecycle.State, logger zerolog.Logger) broker.Gateway {
	exchange := broker.NewBinanceBroker(broker.BinanceConfig{
		APIKey:    cfg.Credentials.Binance.APIKey,
		APISecret: cfg.Credentials.Binance.APISecret,
		BaseURL:   cfg.Trading.BaseURL,
		Logger:    logger,
	})
	if !cfg.IsPaperMode() {
		return exchange
	}

	var base float64
	if restored.Kind == lifecycle.KindOpen && restored.Open != nil {
		base = restored.Open.Quantity
	}
	return broker.NewPaperBroker(broker.PaperBrokerConfig{
		Data:         exchange,
		Symbol:       cfg.Trading.Symbol,
		BaseAsset:    cfg.Trading.BaseAsset,
		QuoteAsset:   cfg.Trading.QuoteAsset,
		InitialQuote: cfg.Trading.PaperQuoteBalance,
		InitialBase:  base,
	})
}

// engineConfig maps the loaded configuration onto the loop configuration.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Machine:      cfg.MachineConfig(),
		Signal:       cfg.SignalParams(),
		Sizer:        cfg.SizerConfig(),
		Governor:     cfg.GovernorConfig(),
		LowInterval:  cfg.Strategy.LowInterval,
		HighInterval: cfg.Strategy.HighInterval,
		LowCandles:   cfg.Strategy.LowCandles,
		HighCandles:  cfg.Strategy.HighCandles,
		PollInterval: cfg.Trading.PollInterval,
		StartupRetry: utils.DefaultRetryConfig(),
	}
}

func runAgent(ctx context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger.With().
		Str("mode", cfg.Trading.Mode).
		Str("preset", cfg.Trading.Strategy).
		Logger()

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	restored, err := loadState(ctx, st.state, cfg.MachineConfig().Key())
	if err != nil {
		return err
	}

	gw := broker.NewBreakerGateway(newGateway(cfg, restored, logger), cfg.BreakerSettings())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(metricsNamespace, reg)

	if cfg.Metrics.Enabled {
		go func() {
			if err := observability.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server stopped")
			}
		}()
	}

	notifier := notify.NewMultiNotifier(&cfg.Notifications)
	logger.Info().Strs("channels", notifier.Channels()).Msg("Notifications configured")

	runner, err := engine.New(ctx, engineConfig(cfg), engine.Deps{
		Gateway:  gw,
		Store:    st.state,
		Ledger:   st.ledger,
		Metrics:  metrics,
		Notifier: notifier,
		Breaker:  gw.Breaker(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("symbol", cfg.Trading.Symbol).
		Str("strategy", cfg.Strategy.Tag).
		Dur("poll", cfg.Trading.PollInterval).
		Msg("Trading loop started")

	return runner.Run(ctx)
}
