package stream

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-guardian/internal/contract"
	"stream-guardian/internal/contract/contracttest"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func newFixture(t *testing.T) (*contracttest.Chain, *Store) {
	t.Helper()
	parsed, err := contract.LoadABI("")
	require.NoError(t, err)

	chain := contracttest.New(parsed)
	chain.Deploy(addrA, contracttest.Stream{
		Source: "coingecko", Selector: "$.bitcoin.usd", WindowSize: 3600, Deviation: 50, Decimal: 8,
		NumPoints: 2, LastPrice: big.NewInt(6_000_000_000_000), LastUpdated: 1_700_000_000,
	})
	chain.Deploy(addrB, contracttest.Stream{
		Source: "coingecko", Selector: "$.huobi-token.usd", WindowSize: 600, Deviation: 0, Decimal: 6,
	})

	binder := contract.NewBinder(parsed, chain, time.Second)
	store := NewStore(func(a common.Address) Contract { return binder.Bind(a) }, zerolog.Nop())
	return chain, store
}

func TestInitializeKeepsOrderAndDefaults(t *testing.T) {
	_, store := newFixture(t)

	require.NoError(t, store.Initialize(context.Background(), []common.Address{addrB, addrA}))
	states := store.States()
	require.Len(t, states, 2)

	assert.Equal(t, addrB, states[0].Address)
	assert.Equal(t, "$.huobi-token.usd", states[0].Selector)
	assert.True(t, states[0].LastPrice.IsZero())
	assert.Zero(t, states[0].LastUpdated)
	assert.EqualValues(t, 6, states[0].Decimal)

	assert.Equal(t, addrA, states[1].Address)
	assert.Equal(t, "6000000000000", states[1].LastPrice.String())
	assert.EqualValues(t, 1_700_000_000, states[1].LastUpdated)
	assert.EqualValues(t, 50, states[1].Deviation)
	assert.EqualValues(t, 3600, states[1].WindowSize)
	assert.Equal(t, "coingecko", states[1].Source)
}

func TestInitializeFailureLeavesStoreEmpty(t *testing.T) {
	chain, store := newFixture(t)
	chain.FailMethod(addrB, "selector", errors.New("timeout"))

	err := store.Initialize(context.Background(), []common.Address{addrA, addrB})
	require.Error(t, err)
	assert.False(t, store.Initialized())
	assert.Empty(t, store.States())

	chain.FailMethod(addrB, "selector", nil)
	require.NoError(t, store.Initialize(context.Background(), []common.Address{addrA, addrB}))
	assert.Len(t, store.States(), 2)
}

func TestRefreshUpdatesMutableFieldsOnly(t *testing.T) {
	chain, store := newFixture(t)
	require.NoError(t, store.Initialize(context.Background(), []common.Address{addrA, addrB}))
	first := store.States()[0]

	chain.Update(addrA, func(s *contracttest.Stream) {
		s.Deviation = 20
		s.WindowSize = 1
		s.Selector = "$.other.usd"
		s.LastPrice = big.NewInt(6_100_000_000_000)
		s.LastUpdated = 1_700_000_600
	})

	require.NoError(t, store.Refresh(context.Background()))
	st := store.States()[0]
	assert.Same(t, first, st)
	assert.EqualValues(t, 20, st.Deviation)
	assert.Equal(t, "6100000000000", st.LastPrice.String())
	assert.EqualValues(t, 1_700_000_600, st.LastUpdated)
	assert.EqualValues(t, 3600, st.WindowSize)
	assert.Equal(t, "$.bitcoin.usd", st.Selector)
}

func TestRefreshFailureKeepsPriorState(t *testing.T) {
	chain, store := newFixture(t)
	require.NoError(t, store.Initialize(context.Background(), []common.Address{addrA, addrB}))

	chain.Update(addrA, func(s *contracttest.Stream) {
		s.Deviation = 99
		s.LastPrice = big.NewInt(1)
	})
	chain.FailMethod(addrB, "latestResult", errors.New("rpc down"))

	require.Error(t, store.Refresh(context.Background()))
	st := store.States()[0]
	assert.EqualValues(t, 50, st.Deviation)
	assert.Equal(t, "6000000000000", st.LastPrice.String())
}

func TestRefreshRequiresInitialize(t *testing.T) {
	_, store := newFixture(t)
	assert.ErrorIs(t, store.Refresh(context.Background()), ErrNotInitialized)
}

func TestRefreshReadsInStreamOrder(t *testing.T) {
	chain, store := newFixture(t)
	require.NoError(t, store.Initialize(context.Background(), []common.Address{addrA, addrB}))
	before := len(chain.Calls())

	require.NoError(t, store.Refresh(context.Background()))
	calls := chain.Calls()[before:]
	assert.Equal(t, []string{
		addrA.Hex() + "/deviation",
		addrA.Hex() + "/latestResult",
		addrB.Hex() + "/deviation",
		addrB.Hex() + "/latestResult",
	}, calls)
}
