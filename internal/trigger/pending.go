package trigger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the final state of a watched transaction.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusTimeout   Status = "timeout"
)

// Outcome describes how a submitted trigger settled.
type Outcome struct {
	Hash        common.Hash
	Target      Target
	Status      Status
	BlockNumber uint64
	GasUsed     uint64
	Err         error
}

// Pending is the handle of a broadcast transaction whose confirmation is
// tracked in the background.
type Pending struct {
	Hash   common.Hash
	Target Target
	Nonce  uint64

	done    chan struct{}
	outcome Outcome
}

// Done is closed once the transaction settled or the watcher gave up.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the watcher finishes or ctx is cancelled.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
