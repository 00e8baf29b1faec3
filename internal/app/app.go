package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"moneymate/internal/alerting"
	"moneymate/internal/api"
	"moneymate/internal/config"
	"moneymate/internal/fetcher"
	"moneymate/internal/registry"
	"moneymate/internal/scheduler"
	"moneymate/internal/service"
	"moneymate/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newFetchers() (*fetcher.Fiat, []fetcher.RateFetcher) {
	base := a.Config.Registry.BaseCurrency

	fiat := fetcher.NewFiat(fetcher.FiatOptions{
		BaseURL:   a.Config.Fiat.BaseURL,
		Base:      base,
		Symbols:   a.Config.Fiat.Symbols,
		Timeout:   a.Config.Fiat.RequestTimeout,
		UserAgent: a.Config.Fiat.UserAgent,
	}, a.Logger)

	var extra []fetcher.RateFetcher
	if a.Config.Crypto.Enabled && len(a.Config.Crypto.Coins) > 0 {
		extra = append(extra, fetcher.NewCrypto(fetcher.CryptoOptions{
			BaseURL:   a.Config.Crypto.BaseURL,
			Base:      base,
			Coins:     a.Config.Crypto.Coins,
			APIKey:    a.Config.Crypto.APIKey,
			Timeout:   a.Config.Crypto.RequestTimeout,
			UserAgent: a.Config.Crypto.UserAgent,
		}, a.Logger))
	}
	// on-chain feeds run last so they override the CoinGecko price for the same code
	if a.Config.Onchain.RPCURL != "" && len(a.Config.Onchain.Feeds) > 0 {
		// a feed is crypto when the code is a configured coin, whether or not CoinGecko runs
		cryptoCodes := make([]string, 0, len(a.Config.Crypto.Coins))
		for code := range a.Config.Crypto.Coins {
			cryptoCodes = append(cryptoCodes, code)
		}
		extra = append(extra, fetcher.NewOnchain(fetcher.OnchainOptions{
			RPCURL:      a.Config.Onchain.RPCURL,
			Feeds:       a.Config.Onchain.Feeds,
			CryptoCodes: cryptoCodes,
			MaxAge:      a.Config.Onchain.MaxAge,
			Timeout:     a.Config.Onchain.RequestTimeout,
		}, a.Logger))
	}

	return fiat, extra
}

func (a *App) newNotifier() alerting.Notifier {
	var notifiers alerting.Multi
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		}
	}

	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newService(cfg *config.Config, store *storage.Store, sched *scheduler.Scheduler, notifier alerting.Notifier) (*service.Service, error) {
	fiat, extra := a.newFetchers()
	deps := service.Deps{
		Scheduler: sched,
		Registry:  registry.New(cfg.Registry.BaseCurrency, a.Logger),
		Primary:   fiat,
		Secondary: extra,
		Notifier:  notifier,
	}
	if store != nil {
		deps.Quotes = store
		deps.Alerts = store
		deps.Locker = store
	}
	return service.New(cfg, deps, a.Logger)
}

// liveService performs one refresh without persistence or alert evaluation, for commands
// that only read current rates.
func (a *App) liveService(ctx context.Context) (*service.Service, error) {
	cfg := *a.Config
	cfg.Alerting.Enabled = false
	cfg.Scheduler.AdvisoryLockKey = 0

	svc, err := a.newService(&cfg, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := svc.Refresh(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}
	return svc, nil
}

// Run executes the long-running refresh service and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc, err := a.newService(a.Config, store, sched, a.newNotifier())
	if err != nil {
		return err
	}
	if err := svc.Bootstrap(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting refresh service")
		if err := svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if a.Config.API.Enabled {
		server := api.NewServer(svc, api.NewHub(), a.Logger)
		g.Go(func() error {
			return server.ListenAndServe(gctx, a.Config.API.ListenAddr, a.Config.API.ReadHeaderTimeout)
		})
	}

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("refresh service stopped")
	return nil
}

// ExportOptions hold parameters for exporting one currency's history.
type ExportOptions struct {
	Code      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Code  string
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}
