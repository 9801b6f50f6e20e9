package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"stream-guardian/internal/alerting"
	"stream-guardian/internal/config"
	"stream-guardian/internal/contract"
	"stream-guardian/internal/fetcher"
	"stream-guardian/internal/metrics"
	"stream-guardian/internal/scheduler"
	"stream-guardian/internal/service"
	"stream-guardian/internal/storage"
	"stream-guardian/internal/stream"
	"stream-guardian/internal/trigger"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFeed() *fetcher.Feed {
	return fetcher.NewFeed(fetcher.FeedOptions{
		URL:       a.Config.Feed.URL,
		Timeout:   a.Config.Feed.Timeout,
		UserAgent: a.Config.Feed.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if applied > 0 {
		a.Logger.Debug().Int("files", applied).Msg("migrations applied")
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) dialChain(ctx context.Context) (*ethclient.Client, *big.Int, error) {
	if a.Config.Chain.RPCURL == "" {
		return nil, nil, errors.New("chain.rpc_url is required")
	}

	client, err := ethclient.DialContext(ctx, a.Config.Chain.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}

	if a.Config.Chain.ChainID > 0 {
		return client, big.NewInt(a.Config.Chain.ChainID), nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.Config.Chain.RequestTimeout)
	defer cancel()
	chainID, err := client.ChainID(reqCtx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("query chain id: %w", err)
	}
	return client, chainID, nil
}

// Run executes the long-running guardian.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Streams) == 0 {
		a.Logger.Error().Msg("no stream to watch, exit")
		return service.ErrNoStreams
	}

	parsed, err := contract.LoadABI(a.Config.Chain.StreamABIPath)
	if err != nil {
		return err
	}

	client, chainID, err := a.dialChain(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

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

	binder := contract.NewBinder(parsed, client, a.Config.Chain.RequestTimeout)
	streams := stream.NewStore(func(addr common.Address) stream.Contract { return binder.Bind(addr) }, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var observationStore storage.ObservationStore
	var triggerStore storage.TriggerStore
	if store != nil {
		observationStore = store
		triggerStore = store
	}

	// the watcher hook needs the guardian, which needs the submitter
	var guardian *service.Guardian
	var submitter service.Submitter
	if !a.Config.Trigger.DryRun {
		sub, err := a.newSubmitter(client, chainID, func(outcome trigger.Outcome) {
			guardian.HandleSettled(outcome)
		})
		if err != nil {
			return err
		}
		a.Logger.Info().Str("from", sub.From().Hex()).Str("chain_id", chainID.String()).Msg("trigger account loaded")
		submitter = sub
		// runs before the store and client are closed
		defer func() {
			a.Logger.Debug().Msg("waiting for trigger watchers to settle")
			sub.Drain()
		}()
	}

	guardian = service.New(a.Config, sched, streams, a.newFeed(), submitter, observationStore, triggerStore, a.newNotifier(), a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		group.Go(func() error {
			a.Logger.Info().Str("addr", addr).Msg("serving metrics")
			return metrics.Serve(groupCtx, addr)
		})
	}
	group.Go(func() error {
		a.Logger.Info().Int("streams", len(a.Config.Streams)).Msg("starting guardian")
		err := guardian.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("guardian terminated with error")
		return err
	}

	a.Logger.Info().Msg("guardian stopped")
	return nil
}

func (a *App) newSubmitter(client *ethclient.Client, chainID *big.Int, onSettled func(trigger.Outcome)) (*trigger.Submitter, error) {
	if a.Config.Chain.PrivateKey == "" {
		return nil, errors.New("chain.private_key is required unless trigger.dry_run is set")
	}
	key, err := trigger.ParseKey(a.Config.Chain.PrivateKey)
	if err != nil {
		return nil, err
	}
	return trigger.NewSubmitter(key, client, trigger.Options{
		ChainID:        chainID,
		GasLimit:       a.Config.Trigger.GasLimit,
		Confirmations:  a.Config.Trigger.Confirmations,
		ConfirmTimeout: a.Config.Trigger.ConfirmTimeout,
		PollInterval:   a.Config.Trigger.PollInterval,
		RequestTimeout: a.Config.Chain.RequestTimeout,
		OnSettled:      onSettled,
	}, a.Logger)
}

// ExportOptions hold parameters for exporting one stream's observations.
type ExportOptions struct {
	Stream    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe a single offline trigger decision.
type SimulateOptions struct {
	Last     string
	Fresh    string
	PerMille int64
	Window   time.Duration
	Age      time.Duration
}
