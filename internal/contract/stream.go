package contract

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

//go:embed stream.abi.json
var defaultStreamABI string

const (
	methodSource       = "source"
	methodSelector     = "selector"
	methodWindowSize   = "windowSize"
	methodDeviation    = "deviation"
	methodDecimal      = "decimal"
	methodNumPoints    = "numPoints"
	methodLatestResult = "latestResult"
	methodPullTrigger  = "pullTrigger"
)

// Caller performs read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// LatestResult is the most recent price point recorded by a stream.
type LatestResult struct {
	Price     decimal.Decimal
	UpdatedAt int64
}

// LoadABI parses the stream ABI from path, or the embedded default when path is empty.
func LoadABI(path string) (abi.ABI, error) {
	raw := defaultStreamABI
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read stream abi: %w", err)
		}
		raw = string(data)
	}

	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse stream abi: %w", err)
	}
	for _, name := range []string{methodSource, methodSelector, methodWindowSize, methodDeviation, methodDecimal, methodNumPoints, methodLatestResult, methodPullTrigger} {
		if _, ok := parsed.Methods[name]; !ok {
			return abi.ABI{}, fmt.Errorf("stream abi missing method %q", name)
		}
	}
	return parsed, nil
}

// Binder creates stream handles sharing one ABI and one RPC caller.
type Binder struct {
	abi     abi.ABI
	caller  Caller
	timeout time.Duration
}

// NewBinder constructs a Binder. A non-positive timeout defaults to 10s per call.
func NewBinder(parsed abi.ABI, caller Caller, timeout time.Duration) *Binder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Binder{abi: parsed, caller: caller, timeout: timeout}
}

// Bind returns the handle for the stream deployed at addr.
func (b *Binder) Bind(addr common.Address) *Stream {
	return &Stream{address: addr, binder: b}
}

// Stream is a handle on one deployed stream contract.
type Stream struct {
	address common.Address
	binder  *Binder
}

// Address returns the contract address.
func (s *Stream) Address() common.Address {
	return s.address
}

// Source returns the stream's configured data source identifier.
func (s *Stream) Source(ctx context.Context) (string, error) {
	out, err := s.call(ctx, methodSource)
	if err != nil {
		return "", err
	}
	return asString(methodSource, out)
}

// Selector returns the path of this stream's field inside the reference document.
func (s *Stream) Selector(ctx context.Context) (string, error) {
	out, err := s.call(ctx, methodSelector)
	if err != nil {
		return "", err
	}
	return asString(methodSelector, out)
}

// WindowSize returns the staleness window in seconds.
func (s *Stream) WindowSize(ctx context.Context) (int64, error) {
	return s.callInt64(ctx, methodWindowSize)
}

// Deviation returns the deviation threshold in parts per thousand.
func (s *Stream) Deviation(ctx context.Context) (int64, error) {
	return s.callInt64(ctx, methodDeviation)
}

// Decimal returns the number of decimals the on-chain price is scaled by.
func (s *Stream) Decimal(ctx context.Context) (int32, error) {
	v, err := s.callInt64(ctx, methodDecimal)
	if err != nil {
		return 0, err
	}
	if v > 77 {
		return 0, fmt.Errorf("%s: decimal %d out of range", methodDecimal, v)
	}
	return int32(v), nil
}

// NumPoints returns how many price points the stream has recorded.
func (s *Stream) NumPoints(ctx context.Context) (uint64, error) {
	out, err := s.call(ctx, methodNumPoints)
	if err != nil {
		return 0, err
	}
	v, err := asBigInt(methodNumPoints, out, 0)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s: value %s overflows uint64", methodNumPoints, v)
	}
	return v.Uint64(), nil
}

// LatestResult returns the last recorded price and its timestamp.
func (s *Stream) LatestResult(ctx context.Context) (LatestResult, error) {
	out, err := s.call(ctx, methodLatestResult)
	if err != nil {
		return LatestResult{}, err
	}
	if len(out) != 2 {
		return LatestResult{}, fmt.Errorf("%s: expected 2 outputs, got %d", methodLatestResult, len(out))
	}

	price, err := asBigInt(methodLatestResult, out, 0)
	if err != nil {
		return LatestResult{}, err
	}
	updated, err := asBigInt(methodLatestResult, out, 1)
	if err != nil {
		return LatestResult{}, err
	}
	if !updated.IsInt64() {
		return LatestResult{}, fmt.Errorf("%s: timestamp %s overflows int64", methodLatestResult, updated)
	}

	return LatestResult{
		Price:     decimal.NewFromBigInt(price, 0),
		UpdatedAt: updated.Int64(),
	}, nil
}

// PullTriggerData returns the call data of the state-changing pullTrigger() entry point.
func (s *Stream) PullTriggerData() ([]byte, error) {
	return s.binder.abi.Pack(methodPullTrigger)
}

func (s *Stream) call(ctx context.Context, method string) ([]interface{}, error) {
	payload, err := s.binder.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.binder.timeout)
	defer cancel()

	addr := s.address
	res, err := s.binder.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}

	outputs, err := s.binder.abi.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s on %s: %w", method, addr.Hex(), err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%s on %s: empty response", method, addr.Hex())
	}
	return outputs, nil
}

func (s *Stream) callInt64(ctx context.Context, method string) (int64, error) {
	out, err := s.call(ctx, method)
	if err != nil {
		return 0, err
	}
	v, err := asBigInt(method, out, 0)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("%s: value %s overflows int64", method, v)
	}
	return v.Int64(), nil
}

func asString(method string, out []interface{}) (string, error) {
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

// asBigInt accepts the integer widths abigen maps uint/int ABI types to.
func asBigInt(method string, out []interface{}, idx int) (*big.Int, error) {
	if idx >= len(out) {
		return nil, errors.New(method + ": missing output")
	}
	switch v := out[idx].(type) {
	case *big.Int:
		if v == nil {
			return nil, errors.New(method + ": nil output")
		}
		return v, nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("%s: unexpected output type %T", method, out[idx])
	}
}
