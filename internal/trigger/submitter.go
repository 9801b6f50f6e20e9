package trigger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// Backend is the slice of the RPC client the submitter needs. *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options tune submission and confirmation tracking.
type Options struct {
	ChainID        *big.Int
	GasLimit       uint64
	Confirmations  uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	RequestTimeout time.Duration
	// OnSettled, when set, receives every watcher outcome from the watcher goroutine.
	OnSettled func(Outcome)
}

// Target identifies the stream call to submit.
type Target struct {
	Address common.Address
	Label   string
	Data    []byte
}

// Submitter signs and broadcasts trigger transactions.
type Submitter struct {
	opts   Options
	key    *ecdsa.PrivateKey
	from   common.Address
	signer types.Signer
	client Backend
	logger zerolog.Logger

	watchers sync.WaitGroup
}

// ParseKey decodes a hex private key with or without the 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(hexKey) != 64 {
		return nil, errors.New("private key must be 32 bytes of hex")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// NewSubmitter constructs a Submitter signing with key.
func NewSubmitter(key *ecdsa.PrivateKey, client Backend, opts Options, logger zerolog.Logger) (*Submitter, error) {
	if key == nil {
		return nil, errors.New("signing key required")
	}
	if opts.ChainID == nil || opts.ChainID.Sign() <= 0 {
		return nil, errors.New("chain id required")
	}
	if opts.GasLimit == 0 {
		return nil, errors.New("gas limit must be greater than zero")
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 2
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	return &Submitter{
		opts:   opts,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(opts.ChainID),
		client: client,
		logger: logger.With().Str("component", "trigger_submitter").Logger(),
	}, nil
}

// From returns the account transactions are sent from.
func (s *Submitter) From() common.Address {
	return s.from
}

// Submit broadcasts target and immediately starts watching the transaction.
func (s *Submitter) Submit(ctx context.Context, target Target) (*Pending, error) {
	p, err := s.Send(ctx, target)
	if err != nil {
		return nil, err
	}
	s.Watch(ctx, p)
	return p, nil
}

// Send signs and broadcasts a zero-value call to target using the fixed gas
// limit. It does not track confirmation; hand the result to Watch once the
// caller has recorded it.
func (s *Submitter) Send(ctx context.Context, target Target) (*Pending, error) {
	tx, err := s.buildTx(ctx, target)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	err = s.client.SendTransaction(sendCtx, tx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("send trigger tx for %s: %w", target.Address.Hex(), err)
	}

	p := &Pending{
		Hash:   tx.Hash(),
		Target: target,
		Nonce:  tx.Nonce(),
		done:   make(chan struct{}),
	}
	s.logger.Info().
		Str("stream", target.Address.Hex()).
		Str("selector", target.Label).
		Str("tx", p.Hash.Hex()).
		Uint64("nonce", p.Nonce).
		Msg("trigger submitted")
	return p, nil
}

// Watch tracks p in the background until it settles, the confirm timeout
// hits, or ctx is cancelled. It never blocks the caller.
func (s *Submitter) Watch(ctx context.Context, p *Pending) {
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		s.watch(ctx, p)
	}()
}

// Drain blocks until every watcher has settled and its OnSettled hook returned.
func (s *Submitter) Drain() {
	s.watchers.Wait()
}

func (s *Submitter) buildTx(ctx context.Context, target Target) (*types.Transaction, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	nonce, err := s.client.PendingNonceAt(reqCtx, s.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	to := target.Address
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      s.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     target.Data,
	})

	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign trigger tx: %w", err)
	}
	return signed, nil
}

func (s *Submitter) watch(ctx context.Context, p *Pending) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if outcome, ok := s.poll(ctx, p); ok {
			s.settle(p, outcome)
			return
		}

		select {
		case <-ctx.Done():
			s.settle(p, Outcome{Hash: p.Hash, Target: p.Target, Status: StatusTimeout, Err: ctx.Err()})
			return
		case <-ticker.C:
		}
	}
}

func (s *Submitter) poll(ctx context.Context, p *Pending) (Outcome, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	receipt, err := s.client.TransactionReceipt(reqCtx, p.Hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			s.logger.Debug().Err(err).Str("tx", p.Hash.Hex()).Msg("receipt lookup failed")
		}
		return Outcome{}, false
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return Outcome{}, false
	}

	head, err := s.client.BlockNumber(reqCtx)
	if err != nil {
		s.logger.Debug().Err(err).Str("tx", p.Hash.Hex()).Msg("block number lookup failed")
		return Outcome{}, false
	}

	included := receipt.BlockNumber.Uint64()
	if head < included || head-included+1 < s.opts.Confirmations {
		return Outcome{}, false
	}

	status := StatusConfirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = StatusReverted
	}
	return Outcome{
		Hash:        p.Hash,
		Target:      p.Target,
		Status:      status,
		BlockNumber: included,
		GasUsed:     receipt.GasUsed,
	}, true
}

func (s *Submitter) settle(p *Pending, outcome Outcome) {
	p.outcome = outcome
	close(p.done)

	evt := s.logger.Info()
	if outcome.Status != StatusConfirmed {
		evt = s.logger.Error().Err(outcome.Err)
	}
	evt.Str("stream", p.Target.Address.Hex()).
		Str("selector", p.Target.Label).
		Str("tx", p.Hash.Hex()).
		Str("status", string(outcome.Status)).
		Uint64("block", outcome.BlockNumber).
		Uint64("gas_used", outcome.GasUsed).
		Uint64("confirmations", s.opts.Confirmations).
		Msg("trigger settled")

	if s.opts.OnSettled != nil {
		s.opts.OnSettled(outcome)
	}
}
