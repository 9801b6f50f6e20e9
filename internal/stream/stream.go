package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stream-guardian/internal/contract"
)

// ErrNotInitialized is returned by Refresh before Initialize succeeded.
var ErrNotInitialized = errors.New("stream store not initialized")

// Contract is the remote surface of one stream. *contract.Stream implements it.
type Contract interface {
	Address() common.Address
	Source(ctx context.Context) (string, error)
	Selector(ctx context.Context) (string, error)
	WindowSize(ctx context.Context) (int64, error)
	Deviation(ctx context.Context) (int64, error)
	Decimal(ctx context.Context) (int32, error)
	NumPoints(ctx context.Context) (uint64, error)
	LatestResult(ctx context.Context) (contract.LatestResult, error)
	PullTriggerData() ([]byte, error)
}

// BindFunc returns the contract handle for a stream address.
type BindFunc func(common.Address) Contract

// State is the guardian's view of one stream. LastPrice and LastUpdated only
// ever come from on-chain reads.
type State struct {
	Contract    Contract
	Address     common.Address
	Source      string
	Selector    string
	WindowSize  int64
	Deviation   int64
	Decimal     int32
	LastPrice   decimal.Decimal
	LastUpdated int64
}

// Store holds one State per configured stream, in configuration order.
type Store struct {
	bind   BindFunc
	states []*State
	logger zerolog.Logger
}

// NewStore constructs an empty store.
func NewStore(bind BindFunc, logger zerolog.Logger) *Store {
	return &Store{bind: bind, logger: logger.With().Str("component", "stream_store").Logger()}
}

// Initialized reports whether Initialize has populated the store.
func (s *Store) Initialized() bool {
	return s.states != nil
}

// States returns the entries in configuration order.
func (s *Store) States() []*State {
	return s.states
}

// Initialize reads every stream's configuration and latest result. Nothing
// is stored unless every stream was read successfully.
func (s *Store) Initialize(ctx context.Context, addresses []common.Address) error {
	if s.states != nil {
		return errors.New("stream store already initialized")
	}

	states := make([]*State, 0, len(addresses))
	for _, addr := range addresses {
		st, err := s.load(ctx, addr)
		if err != nil {
			return fmt.Errorf("init stream %s: %w", addr.Hex(), err)
		}
		states = append(states, st)
		s.logger.Debug().
			Str("stream", addr.Hex()).
			Str("selector", st.Selector).
			Int64("window_size", st.WindowSize).
			Int64("deviation", st.Deviation).
			Int32("decimal", st.Decimal).
			Str("last_price", st.LastPrice.String()).
			Int64("last_updated", st.LastUpdated).
			Msg("stream loaded")
	}

	s.states = states
	s.logger.Info().Int("streams", len(states)).Msg("streams initialized")
	return nil
}

func (s *Store) load(ctx context.Context, addr common.Address) (*State, error) {
	c := s.bind(addr)
	st := &State{Contract: c, Address: addr, LastPrice: decimal.Zero}

	var err error
	if st.Source, err = c.Source(ctx); err != nil {
		return nil, err
	}
	if st.Selector, err = c.Selector(ctx); err != nil {
		return nil, err
	}
	if st.WindowSize, err = c.WindowSize(ctx); err != nil {
		return nil, err
	}
	if st.Deviation, err = c.Deviation(ctx); err != nil {
		return nil, err
	}
	if st.Decimal, err = c.Decimal(ctx); err != nil {
		return nil, err
	}

	points, err := c.NumPoints(ctx)
	if err != nil {
		return nil, err
	}
	if points > 0 {
		last, err := c.LatestResult(ctx)
		if err != nil {
			return nil, err
		}
		st.LastPrice = last.Price
		st.LastUpdated = last.UpdatedAt
	}
	return st, nil
}

type refreshed struct {
	deviation int64
	last      contract.LatestResult
}

// Refresh re-reads the mutable fields of every stream sequentially. The
// results are committed only when all reads succeed; otherwise every entry
// keeps its previous values.
func (s *Store) Refresh(ctx context.Context) error {
	if s.states == nil {
		return ErrNotInitialized
	}

	staged := make([]refreshed, len(s.states))
	for i, st := range s.states {
		dev, err := st.Contract.Deviation(ctx)
		if err != nil {
			return fmt.Errorf("sync stream %s: %w", st.Address.Hex(), err)
		}
		last, err := st.Contract.LatestResult(ctx)
		if err != nil {
			return fmt.Errorf("sync stream %s: %w", st.Address.Hex(), err)
		}
		staged[i] = refreshed{deviation: dev, last: last}
	}

	for i, st := range s.states {
		st.Deviation = staged[i].deviation
		st.LastPrice = staged[i].last.Price
		st.LastUpdated = staged[i].last.UpdatedAt
	}
	return nil
}
