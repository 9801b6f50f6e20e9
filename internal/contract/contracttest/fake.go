// Package contracttest provides an in-memory stream contract backend for tests.
package contracttest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Stream is the contract storage served for one address.
type Stream struct {
	Source      string
	Selector    string
	WindowSize  int64
	Deviation   int64
	Decimal     int64
	NumPoints   int64
	LastPrice   *big.Int
	LastUpdated int64
}

// Chain answers CallContract requests by decoding the call with the real ABI.
type Chain struct {
	ABI abi.ABI

	mu      sync.Mutex
	streams map[common.Address]*Stream
	fail    map[string]error
	calls   []string
}

// New returns an empty fake chain using parsed as the stream ABI.
func New(parsed abi.ABI) *Chain {
	return &Chain{
		ABI:     parsed,
		streams: make(map[common.Address]*Stream),
		fail:    make(map[string]error),
	}
}

// Deploy registers stream storage at addr.
func (c *Chain) Deploy(addr common.Address, s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := s
	c.streams[addr] = &cp
}

// Update mutates the storage of a deployed stream.
func (c *Chain) Update(addr common.Address, fn func(s *Stream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.streams[addr])
}

// FailMethod makes every call of method on addr return err. A nil err clears it.
func (c *Chain) FailMethod(addr common.Address, method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := addr.Hex() + "/" + method
	if err == nil {
		delete(c.fail, key)
		return
	}
	c.fail[key] = err
}

// Calls returns "address/method" for every call served, in order.
func (c *Chain) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallContract implements contract.Caller.
func (c *Chain) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if call.To == nil {
		return nil, errors.New("contracttest: call without target")
	}
	if len(call.Data) < 4 {
		return nil, errors.New("contracttest: short call data")
	}
	method, err := c.ABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := call.To.Hex() + "/" + method.Name
	c.calls = append(c.calls, key)
	if err := c.fail[key]; err != nil {
		return nil, err
	}

	s, ok := c.streams[*call.To]
	if !ok {
		return nil, fmt.Errorf("contracttest: no contract at %s", call.To.Hex())
	}

	switch method.Name {
	case "source":
		return method.Outputs.Pack(s.Source)
	case "selector":
		return method.Outputs.Pack(s.Selector)
	case "windowSize":
		return method.Outputs.Pack(big.NewInt(s.WindowSize))
	case "deviation":
		return method.Outputs.Pack(big.NewInt(s.Deviation))
	case "decimal":
		return method.Outputs.Pack(big.NewInt(s.Decimal))
	case "numPoints":
		return method.Outputs.Pack(big.NewInt(s.NumPoints))
	case "latestResult":
		price := s.LastPrice
		if price == nil {
			price = new(big.Int)
		}
		return method.Outputs.Pack(price, big.NewInt(s.LastUpdated))
	default:
		return nil, fmt.Errorf("contracttest: %s is not a view method", method.Name)
	}
}
