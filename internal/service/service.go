package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stream-guardian/internal/alerting"
	"stream-guardian/internal/config"
	"stream-guardian/internal/deviation"
	"stream-guardian/internal/fetcher"
	"stream-guardian/internal/metrics"
	"stream-guardian/internal/scheduler"
	"stream-guardian/internal/storage"
	"stream-guardian/internal/stream"
	"stream-guardian/internal/trigger"
)

// ErrNoStreams is returned when the guardian has nothing to watch.
var ErrNoStreams = fmt.Errorf("no stream to watch: %w", scheduler.ErrFatal)

// Submitter broadcasts pullTrigger transactions and watches them once
// recorded. *trigger.Submitter implements it.
type Submitter interface {
	Send(ctx context.Context, target trigger.Target) (*trigger.Pending, error)
	Watch(ctx context.Context, p *trigger.Pending)
}

// Phase is the heartbeat state.
type Phase int

const (
	Uninitialized Phase = iota
	Running
)

func (p Phase) String() string {
	if p == Running {
		return "running"
	}
	return "uninitialized"
}

// Report summarises one cycle.
type Report struct {
	Evaluated int
	Triggered int
	DryRun    int
	Failed    int
}

// Guardian owns the stream state and runs the fetch, compare, trigger cycle.
type Guardian struct {
	scheduler    *scheduler.Scheduler
	streams      *stream.Store
	feed         fetcher.DocumentFetcher
	submitter    Submitter
	observations storage.ObservationStore
	triggers     storage.TriggerStore
	notifier     alerting.Notifier
	logger       zerolog.Logger

	addresses []common.Address
	dryRun    bool
	locker    storage.AdvisoryLocker
	lockKey   int64
	phase     Phase
	now       func() time.Time
}

// New constructs the guardian. submitter may be nil only in dry-run mode;
// the stores and notifier are optional.
func New(cfg *config.Config, sched *scheduler.Scheduler, streams *stream.Store, feed fetcher.DocumentFetcher, submitter Submitter, observations storage.ObservationStore, triggers storage.TriggerStore, notifier alerting.Notifier, logger zerolog.Logger) *Guardian {
	var locker storage.AdvisoryLocker
	if l, ok := observations.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Guardian{
		scheduler:    sched,
		streams:      streams,
		feed:         feed,
		submitter:    submitter,
		observations: observations,
		triggers:     triggers,
		notifier:     notifier,
		logger:       logger.With().Str("component", "guardian").Logger(),
		addresses:    cfg.StreamAddresses(),
		dryRun:       cfg.Trigger.DryRun || submitter == nil,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		phase:        Uninitialized,
		now:          time.Now,
	}
}

// Phase reports whether the stream state has been initialised.
func (g *Guardian) Phase() Phase {
	return g.phase
}

// Run starts the heartbeat loop. It fails immediately when no stream is configured.
func (g *Guardian) Run(ctx context.Context) error {
	if len(g.addresses) == 0 {
		g.logger.Error().Msg("no stream to watch, exit")
		return ErrNoStreams
	}
	if g.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if g.dryRun {
		g.logger.Warn().Msg("dry run: triggers will be logged, not submitted")
	}
	metrics.SetStreams(len(g.addresses))
	return g.scheduler.Run(ctx, g.Heartbeat)
}

// Heartbeat runs one cycle under the advisory lock, if one is configured.
func (g *Guardian) Heartbeat(ctx context.Context, beat uint64) error {
	if len(g.addresses) == 0 {
		return ErrNoStreams
	}

	unlock, proceed, err := g.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		g.logger.Debug().Uint64("beat", beat).Msg("skip heartbeat because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	g.logger.Debug().Uint64("beat", beat).Str("phase", g.phase.String()).Msg("heartbeat")
	started := time.Now()
	report, err := g.Cycle(ctx)
	metrics.RecordCycle(time.Since(started), err)
	if err != nil {
		return err
	}
	g.logger.Info().
		Uint64("beat", beat).
		Int("evaluated", report.Evaluated).
		Int("triggered", report.Triggered).
		Int("dry_run", report.DryRun).
		Int("failed", report.Failed).
		Msg("heartbeat complete")
	return nil
}

// Cycle synchronises stream state from chain, fetches the reference document
// once, and triggers every stream whose price deviated or expired. Any read
// or selector failure aborts the cycle before a single decision is made.
func (g *Guardian) Cycle(ctx context.Context) (Report, error) {
	if err := g.sync(ctx); err != nil {
		return Report{}, err
	}

	doc, err := g.feed.FetchDocument(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetch reference document: %w", err)
	}

	states := g.streams.States()
	prices := make([]decimal.Decimal, len(states))
	for i, st := range states {
		price, err := fetcher.PriceAt(doc, st.Selector, st.Decimal)
		if err != nil {
			return Report{}, fmt.Errorf("resolve stream %s: %w", st.Address.Hex(), err)
		}
		prices[i] = price
	}

	now := g.now().UTC()
	report := Report{}
	for i, st := range states {
		decision := deviation.Decide(deviation.Input{
			Fresh:       prices[i],
			Last:        st.LastPrice,
			PerMille:    st.Deviation,
			LastUpdated: st.LastUpdated,
			Window:      st.WindowSize,
			Now:         now.Unix(),
		})
		report.Evaluated++

		obs := storage.Observation{
			CycleTS:           now,
			Stream:            st.Address.Hex(),
			Selector:          st.Selector,
			FreshPrice:        prices[i],
			LastPrice:         st.LastPrice,
			LastUpdated:       time.Unix(st.LastUpdated, 0).UTC(),
			DeviationPerMille: st.Deviation,
			Reason:            decision.Reason.String(),
			Triggered:         decision.Trigger,
		}

		if decision.Trigger {
			g.logTrigger(st, prices[i], decision)
			hash, err := g.pullTrigger(ctx, st, prices[i], decision, now)
			switch {
			case err != nil:
				report.Failed++
				msg := err.Error()
				obs.Error = &msg
			case g.dryRun:
				report.DryRun++
			default:
				report.Triggered++
				obs.TxHash = &hash
			}
		}

		g.recordObservation(ctx, obs)
	}

	return report, nil
}

func (g *Guardian) sync(ctx context.Context) error {
	if g.phase == Uninitialized {
		if err := g.streams.Initialize(ctx, g.addresses); err != nil {
			return fmt.Errorf("initialize streams: %w", err)
		}
		g.phase = Running
		return nil
	}
	if err := g.streams.Refresh(ctx); err != nil {
		return fmt.Errorf("sync streams: %w", err)
	}
	return nil
}

func (g *Guardian) logTrigger(st *stream.State, fresh decimal.Decimal, decision deviation.Decision) {
	evt := g.logger.Info().
		Str("stream", st.Address.Hex()).
		Str("selector", st.Selector).
		Str("fresh", fresh.String()).
		Str("last", st.LastPrice.String())

	switch decision.Reason {
	case deviation.Deviated:
		evt.Int64("deviation_per_mille", st.Deviation).Msg("price beyond deviation band, deviation trigger")
	case deviation.Expired:
		evt.Int64("last_updated", st.LastUpdated).Int64("window_size", st.WindowSize).Msg("last price outdated, timer trigger")
	}
}

// pullTrigger submits the trigger for st and returns the tx hash. Failures are
// logged and reported but never retried.
func (g *Guardian) pullTrigger(ctx context.Context, st *stream.State, fresh decimal.Decimal, decision deviation.Decision, now time.Time) (string, error) {
	event := alerting.Event{
		Time:       now,
		Stream:     st.Address.Hex(),
		Selector:   st.Selector,
		Reason:     decision.Reason.String(),
		FreshPrice: fresh,
		LastPrice:  st.LastPrice,
		Deviation:  st.Deviation,
	}

	data, err := st.Contract.PullTriggerData()
	if err != nil {
		g.logger.Error().Err(err).Str("stream", st.Address.Hex()).Msg("failed to encode pullTrigger")
		return "", err
	}

	if g.dryRun {
		g.logger.Info().Str("stream", st.Address.Hex()).Str("selector", st.Selector).Msg("dry run: trigger not submitted")
		metrics.RecordTrigger(event.Reason, "dry_run")
		return "", nil
	}

	pending, err := g.submitter.Send(ctx, trigger.Target{Address: st.Address, Label: st.Selector, Data: data})
	if err != nil {
		g.logger.Error().Err(err).Str("stream", st.Address.Hex()).Str("selector", st.Selector).Msg("failed to submit trigger")

		msg := err.Error()
		g.recordTrigger(ctx, storage.TriggerRecord{
			Stream:      st.Address.Hex(),
			Selector:    st.Selector,
			Reason:      decision.Reason.String(),
			Status:      storage.TriggerFailed,
			Error:       &msg,
			SubmittedAt: now,
		})
		metrics.RecordTrigger(event.Reason, "failed")
		event.Stage = alerting.StageFailed
		event.Error = msg
		g.notify(ctx, event)
		return "", err
	}

	metrics.RecordTrigger(event.Reason, "submitted")
	hash := pending.Hash.Hex()
	g.recordTrigger(ctx, storage.TriggerRecord{
		TxHash:      hash,
		Stream:      st.Address.Hex(),
		Selector:    st.Selector,
		Reason:      decision.Reason.String(),
		Nonce:       int64(pending.Nonce),
		Status:      storage.TriggerPending,
		SubmittedAt: now,
	})
	// the row must exist before the watcher can settle it
	g.submitter.Watch(ctx, pending)

	event.Stage = alerting.StageSubmitted
	event.TxHash = hash
	g.notify(ctx, event)
	return hash, nil
}

// HandleSettled persists and reports a watcher outcome. It runs on the
// watcher goroutine and never touches stream state.
func (g *Guardian) HandleSettled(outcome trigger.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := string(outcome.Status)
	metrics.RecordSettled(status)
	var errMsg *string
	if outcome.Err != nil {
		msg := outcome.Err.Error()
		errMsg = &msg
	}

	if g.triggers != nil {
		var block, gas *int64
		if outcome.BlockNumber > 0 {
			b := int64(outcome.BlockNumber)
			used := int64(outcome.GasUsed)
			block, gas = &b, &used
		}
		if err := g.triggers.SettleTrigger(ctx, outcome.Hash.Hex(), status, block, gas, errMsg); err != nil {
			g.logger.Error().Err(err).Str("tx", outcome.Hash.Hex()).Msg("failed to persist trigger outcome")
		}
	}

	event := alerting.Event{
		Stage:    alerting.StageSettled,
		Time:     g.now().UTC(),
		Stream:   outcome.Target.Address.Hex(),
		Selector: outcome.Target.Label,
		TxHash:   outcome.Hash.Hex(),
		Status:   status,
		GasUsed:  outcome.GasUsed,
	}
	if errMsg != nil {
		event.Error = *errMsg
	}
	g.notify(ctx, event)
}

func (g *Guardian) recordObservation(ctx context.Context, obs storage.Observation) {
	if g.observations == nil {
		return
	}
	if err := g.observations.InsertObservation(ctx, obs); err != nil {
		g.logger.Error().Err(err).Str("stream", obs.Stream).Msg("failed to persist observation")
	}
}

func (g *Guardian) recordTrigger(ctx context.Context, rec storage.TriggerRecord) {
	if g.triggers == nil {
		return
	}
	if _, err := g.triggers.InsertTrigger(ctx, rec); err != nil {
		g.logger.Error().Err(err).Str("stream", rec.Stream).Msg("failed to persist trigger")
	}
}

func (g *Guardian) notify(ctx context.Context, event alerting.Event) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, event); err != nil {
		g.logger.Error().Err(err).Str("stream", event.Stream).Str("stage", string(event.Stage)).Msg("failed to dispatch notification")
	}
}

func (g *Guardian) acquireLock(ctx context.Context) (func(), bool, error) {
	if g.lockKey == 0 || g.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := g.locker.TryAdvisoryLock(ctx, g.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
