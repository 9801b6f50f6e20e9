package service

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-guardian/internal/alerting"
	"stream-guardian/internal/config"
	"stream-guardian/internal/contract"
	"stream-guardian/internal/contract/contracttest"
	"stream-guardian/internal/scheduler"
	"stream-guardian/internal/selector"
	"stream-guardian/internal/storage"
	"stream-guardian/internal/stream"
	"stream-guardian/internal/trigger"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	now   = time.Unix(1_700_000_000, 0).UTC()
)

type staticFeed struct {
	doc selector.Document
	err error
}

func (f *staticFeed) FetchDocument(ctx context.Context) (selector.Document, error) {
	return f.doc, f.err
}

type fakeSubmitter struct {
	targets []trigger.Target
	failFor map[common.Address]error
	store   *memoryStore
	// recorded trigger hashes at the moment each Watch started
	recordedAtWatch [][]string
}

func (f *fakeSubmitter) Send(ctx context.Context, target trigger.Target) (*trigger.Pending, error) {
	if err := f.failFor[target.Address]; err != nil {
		return nil, err
	}
	f.targets = append(f.targets, target)
	return &trigger.Pending{Hash: common.BytesToHash(target.Address.Bytes()), Target: target, Nonce: uint64(len(f.targets))}, nil
}

func (f *fakeSubmitter) Watch(ctx context.Context, p *trigger.Pending) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var hashes []string
	for _, rec := range f.store.triggers {
		hashes = append(hashes, rec.TxHash)
	}
	f.recordedAtWatch = append(f.recordedAtWatch, hashes)
}

type memoryStore struct {
	mu           sync.Mutex
	observations []storage.Observation
	triggers     []storage.TriggerRecord
	settled      map[string]string

	lockBusy bool
	lockErr  error
	lockKeys []int64
	unlocked int
}

func (m *memoryStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockKeys = append(m.lockKeys, key)
	if m.lockErr != nil {
		return nil, false, m.lockErr
	}
	if m.lockBusy {
		return nil, false, nil
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unlocked++
	}, true, nil
}

func (m *memoryStore) InsertObservation(ctx context.Context, obs storage.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations = append(m.observations, obs)
	return nil
}

func (m *memoryStore) ListObservationsBetween(ctx context.Context, stream string, from, to time.Time) ([]storage.Observation, error) {
	return nil, nil
}

func (m *memoryStore) InsertTrigger(ctx context.Context, rec storage.TriggerRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, rec)
	return int64(len(m.triggers)), nil
}

func (m *memoryStore) SettleTrigger(ctx context.Context, txHash, status string, block, gasUsed *int64, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled == nil {
		m.settled = make(map[string]string)
	}
	m.settled[txHash] = status
	return nil
}

func (m *memoryStore) ListRecentTriggers(ctx context.Context, limit int) ([]storage.TriggerRecord, error) {
	return nil, nil
}

type recordingNotifier struct {
	events []alerting.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	chain     *contracttest.Chain
	feed      *staticFeed
	submitter *fakeSubmitter
	store     *memoryStore
	notifier  *recordingNotifier
	guardian  *Guardian
}

func newFixture(t *testing.T, dryRun bool, streams ...common.Address) *fixture {
	t.Helper()
	parsed, err := contract.LoadABI("")
	require.NoError(t, err)

	chain := contracttest.New(parsed)
	// bitcoin at 100.00 with a 5% band, fresh point
	chain.Deploy(addrA, contracttest.Stream{
		Source: "coingecko", Selector: "$.bitcoin.usd", WindowSize: 3600, Deviation: 50, Decimal: 2,
		NumPoints: 1, LastPrice: big.NewInt(10000), LastUpdated: now.Unix() - 60,
	})
	// time-only stream, stale
	chain.Deploy(addrB, contracttest.Stream{
		Source: "coingecko", Selector: "$.huobi-token.usd", WindowSize: 3600, Deviation: 0, Decimal: 0,
		NumPoints: 1, LastPrice: big.NewInt(5), LastUpdated: now.Unix() - 3601,
	})

	binder := contract.NewBinder(parsed, chain, time.Second)
	states := stream.NewStore(func(a common.Address) stream.Contract { return binder.Bind(a) }, zerolog.Nop())

	cfg := &config.Config{Trigger: config.TriggerConfig{DryRun: dryRun}}
	for _, s := range streams {
		cfg.Streams = append(cfg.Streams, s.Hex())
	}

	store := &memoryStore{}
	f := &fixture{
		chain:     chain,
		feed:      &staticFeed{doc: document(t, `{"huobi-token": {"usd": 5}, "bitcoin": {"usd": 106}}`)},
		submitter: &fakeSubmitter{failFor: map[common.Address]error{}, store: store},
		store:     store,
		notifier:  &recordingNotifier{},
	}
	f.guardian = New(cfg, nil, states, f.feed, f.submitter, f.store, f.store, f.notifier, zerolog.Nop())
	f.guardian.now = func() time.Time { return now }
	return f
}

func document(t *testing.T, raw string) selector.Document {
	t.Helper()
	var doc selector.Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestRunWithoutStreamsIsFatal(t *testing.T) {
	f := newFixture(t, false)

	err := f.guardian.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoStreams)
	assert.ErrorIs(t, err, scheduler.ErrFatal)
	assert.Equal(t, Uninitialized, f.guardian.Phase())
	assert.Empty(t, f.chain.Calls())
}

func TestFirstCycleInitializesAndTriggers(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)

	report, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Running, f.guardian.Phase())
	assert.Equal(t, Report{Evaluated: 2, Triggered: 2}, report)

	require.Len(t, f.submitter.targets, 2)
	assert.Equal(t, addrA, f.submitter.targets[0].Address)
	assert.Equal(t, addrB, f.submitter.targets[1].Address)
	assert.Equal(t, f.chain.ABI.Methods["pullTrigger"].ID, f.submitter.targets[0].Data)

	require.Len(t, f.store.observations, 2)
	assert.Equal(t, "deviated", f.store.observations[0].Reason)
	assert.Equal(t, "10600", f.store.observations[0].FreshPrice.String())
	assert.Equal(t, "expired", f.store.observations[1].Reason)
	require.NotNil(t, f.store.observations[0].TxHash)

	require.Len(t, f.store.triggers, 2)
	assert.Equal(t, storage.TriggerPending, f.store.triggers[0].Status)
	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, alerting.StageSubmitted, f.notifier.events[0].Stage)
}

func TestLaterCycleRefreshesFromChain(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)
	_, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)

	// the triggers landed on chain
	f.chain.Update(addrA, func(s *contracttest.Stream) {
		s.LastPrice = big.NewInt(10600)
		s.LastUpdated = now.Unix()
	})
	f.chain.Update(addrB, func(s *contracttest.Stream) {
		s.LastUpdated = now.Unix()
	})

	report, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 2}, report)
	assert.Len(t, f.submitter.targets, 2)
}

func TestLocalPriceNeverAdvancesState(t *testing.T) {
	f := newFixture(t, false, addrA)
	_, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)

	// nothing changed on chain, so the same stream fires again
	report, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
	assert.Equal(t, "10000", f.guardian.streams.States()[0].LastPrice.String())
}

func TestMissingSelectorAbortsCycle(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)
	f.feed.doc = document(t, `{"bitcoin": {"usd": 106}}`)

	_, err := f.guardian.Cycle(context.Background())
	require.ErrorIs(t, err, selector.ErrNotFound)
	assert.Empty(t, f.submitter.targets)
	assert.Empty(t, f.store.observations)
}

func TestFetchFailureAbortsCycle(t *testing.T) {
	f := newFixture(t, false, addrA)
	f.feed.err = errors.New("connection reset")

	_, err := f.guardian.Cycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.submitter.targets)
}

func TestRefreshFailureAbortsCycle(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)
	_, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)

	f.chain.FailMethod(addrB, "deviation", errors.New("rpc down"))
	_, err = f.guardian.Cycle(context.Background())
	require.Error(t, err)
	assert.Len(t, f.submitter.targets, 2)
}

func TestInitFailureRetriedNextCycle(t *testing.T) {
	f := newFixture(t, false, addrA)
	f.chain.FailMethod(addrA, "source", errors.New("rpc down"))

	_, err := f.guardian.Cycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, Uninitialized, f.guardian.Phase())

	f.chain.FailMethod(addrA, "source", nil)
	_, err = f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Running, f.guardian.Phase())
}

func TestSubmissionErrorDoesNotBlockNextStream(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)
	f.submitter.failFor[addrA] = errors.New("insufficient funds")

	report, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 2, Triggered: 1, Failed: 1}, report)
	require.Len(t, f.submitter.targets, 1)
	assert.Equal(t, addrB, f.submitter.targets[0].Address)

	assert.Equal(t, storage.TriggerFailed, f.store.triggers[0].Status)
	require.NotNil(t, f.store.observations[0].Error)
	assert.Equal(t, alerting.StageFailed, f.notifier.events[0].Stage)
}

func TestDryRunDoesNotSubmit(t *testing.T) {
	f := newFixture(t, true, addrA, addrB)

	report, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Evaluated: 2, DryRun: 2}, report)
	assert.Empty(t, f.submitter.targets)
	assert.Empty(t, f.store.triggers)
	assert.True(t, f.store.observations[0].Triggered)
	assert.Nil(t, f.store.observations[0].TxHash)
}

func TestTriggerRecordedBeforeWatching(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)

	_, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, f.submitter.recordedAtWatch, 2)
	hashA := common.BytesToHash(addrA.Bytes()).Hex()
	hashB := common.BytesToHash(addrB.Bytes()).Hex()
	assert.Equal(t, []string{hashA}, f.submitter.recordedAtWatch[0])
	assert.Equal(t, []string{hashA, hashB}, f.submitter.recordedAtWatch[1])
}

func TestFailedSendIsNotWatched(t *testing.T) {
	f := newFixture(t, false, addrA)
	f.submitter.failFor[addrA] = errors.New("nonce too low")

	_, err := f.guardian.Cycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.submitter.recordedAtWatch)
}

func TestHeartbeatSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)
	f.guardian.lockKey = 42
	f.store.lockBusy = true

	require.NoError(t, f.guardian.Heartbeat(context.Background(), 1))
	assert.Equal(t, []int64{42}, f.store.lockKeys)
	assert.Empty(t, f.chain.Calls())
	assert.Empty(t, f.submitter.targets)
	assert.Empty(t, f.store.observations)
	assert.Equal(t, Uninitialized, f.guardian.Phase())
	assert.Zero(t, f.store.unlocked)
}

func TestHeartbeatReleasesLockAfterCycle(t *testing.T) {
	f := newFixture(t, false, addrA, addrB)
	f.guardian.lockKey = 42

	require.NoError(t, f.guardian.Heartbeat(context.Background(), 1))
	assert.Equal(t, 1, f.store.unlocked)
	assert.Len(t, f.submitter.targets, 2)
	assert.Equal(t, Running, f.guardian.Phase())

	// released even when the cycle fails
	f.feed.err = errors.New("connection reset")
	require.Error(t, f.guardian.Heartbeat(context.Background(), 2))
	assert.Equal(t, 2, f.store.unlocked)
}

func TestHeartbeatLockErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, false, addrA)
	f.guardian.lockKey = 42
	f.store.lockErr = errors.New("connection refused")

	err := f.guardian.Heartbeat(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, scheduler.ErrFatal))
	assert.Empty(t, f.chain.Calls())
	assert.Empty(t, f.submitter.targets)
}

func TestLockSkippedWithoutKey(t *testing.T) {
	f := newFixture(t, false, addrA)
	f.store.lockBusy = true

	require.NoError(t, f.guardian.Heartbeat(context.Background(), 1))
	assert.Empty(t, f.store.lockKeys)
	assert.Len(t, f.submitter.targets, 1)
}

func TestHeartbeatWithoutStreams(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.guardian.Heartbeat(context.Background(), 1), ErrNoStreams)
}

func TestHandleSettled(t *testing.T) {
	f := newFixture(t, false, addrA)
	hash := common.HexToHash("0x01")

	f.guardian.HandleSettled(trigger.Outcome{
		Hash:        hash,
		Target:      trigger.Target{Address: addrA, Label: "$.bitcoin.usd"},
		Status:      trigger.StatusConfirmed,
		BlockNumber: 10,
		GasUsed:     21000,
	})

	assert.Equal(t, "confirmed", f.store.settled[hash.Hex()])
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, alerting.StageSettled, f.notifier.events[0].Stage)
}
