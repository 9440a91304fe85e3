package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-keeper/keeper"
)

var (
	ErrMethodNotFound  = errors.New("method not found in abi")
	ErrUnexpectedEvent = errors.New("log is not the expected event")
	ErrInvalidEvent    = errors.New("invalid event data")
	ErrInvalidOutput   = errors.New("unexpected call output")
)

// Observation is one element of the observations data passed from PoolObserved to work.
type Observation struct {
	BlockTimestamp uint32
	Tick           *big.Int
}

// PoolObserved is the decoded data feed event.
type PoolObserved struct {
	PoolSalt     common.Hash
	PoolNonce    uint32
	Observations []Observation
	Raw          types.Log
}

// methodBySig finds a method by its canonical signature, overloaded methods get numbered names in the abi package.
func methodBySig(parsed *abi.ABI, sig string) (abi.Method, error) {
	for _, method := range parsed.Methods {
		if method.Sig == sig {
			return method, nil
		}
	}
	return abi.Method{}, fmt.Errorf("%w: %s", ErrMethodNotFound, sig)
}

func packCall(method abi.Method, args ...interface{}) ([]byte, error) {
	input, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, len(method.ID)+len(input))
	data = append(data, method.ID...)
	return append(data, input...), nil
}

// DataFeedJob binds the keeper job contract.
type DataFeedJob struct {
	address  common.Address
	caller   bind.ContractCaller
	contract *bind.BoundContract

	workableBroadcast abi.Method
	workBroadcast     abi.Method
	workableFetch     abi.Method
	workFetch         abi.Method
}

func NewDataFeedJob(address common.Address, caller bind.ContractCaller) (*DataFeedJob, error) {
	parsed, err := abi.JSON(strings.NewReader(DataFeedJobABI))
	if err != nil {
		return nil, err
	}
	job := &DataFeedJob{
		address:  address,
		caller:   caller,
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
	}
	for sig, m := range map[string]*abi.Method{
		workableBroadcastSig: &job.workableBroadcast,
		workBroadcastSig:     &job.workBroadcast,
		workableFetchSig:     &job.workableFetch,
		workFetchSig:         &job.workFetch,
	} {
		method, err := methodBySig(&parsed, sig)
		if err != nil {
			return nil, err
		}
		*m = method
	}
	return job, nil
}

func (j *DataFeedJob) Address() common.Address {
	return j.address
}

// DataFeed returns the data feed the job reports to.
func (j *DataFeedJob) DataFeed(ctx context.Context) (common.Address, error) {
	var out []interface{}
	err := j.contract.Call(&bind.CallOpts{Context: ctx}, &out, "dataFeed")
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, ErrInvalidOutput
	}
	address, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, ErrInvalidOutput
	}
	return address, nil
}

// WorkableBroadcast checks whether the observation of pool nonce can be bridged to chainID.
func (j *DataFeedJob) WorkableBroadcast(ctx context.Context, chainID uint32, poolSalt common.Hash, poolNonce uint32) (bool, error) {
	return j.callBool(ctx, j.workableBroadcast, chainID, [32]byte(poolSalt), new(big.Int).SetUint64(uint64(poolNonce)))
}

func (j *DataFeedJob) WorkBroadcastCalldata(chainID uint32, poolSalt common.Hash, poolNonce uint32, observations []Observation) ([]byte, error) {
	if observations == nil {
		observations = []Observation{}
	}
	return packCall(j.workBroadcast, chainID, [32]byte(poolSalt), new(big.Int).SetUint64(uint64(poolNonce)), observations)
}

// WorkableFetch checks whether the pool can be observed for the given trigger reason.
func (j *DataFeedJob) WorkableFetch(ctx context.Context, poolSalt common.Hash, reason uint8) (bool, error) {
	return j.callBool(ctx, j.workableFetch, [32]byte(poolSalt), reason)
}

func (j *DataFeedJob) WorkFetchCalldata(poolSalt common.Hash, reason uint8) ([]byte, error) {
	return packCall(j.workFetch, [32]byte(poolSalt), reason)
}

// callBool runs a view call of the job. RPC errors are returned as is, a call that can not be encoded
// or an answer that does not match the abi means a wrong job address or abi and is joined with keeper.ErrFatal.
func (j *DataFeedJob) callBool(ctx context.Context, method abi.Method, args ...interface{}) (bool, error) {
	input, err := packCall(method, args...)
	if err != nil {
		return false, errors.Join(fmt.Errorf("failed to pack %s: %w", method.Sig, err), keeper.ErrFatal)
	}
	output, err := j.caller.CallContract(ctx, ethereum.CallMsg{To: &j.address, Data: input}, nil)
	if err != nil {
		return false, err
	}
	if len(output) == 0 {
		return false, errors.Join(fmt.Errorf("%w: empty answer to %s from %s", ErrInvalidOutput, method.Sig, j.address.Hex()), keeper.ErrFatal)
	}
	out, err := method.Outputs.Unpack(output)
	if err != nil {
		return false, errors.Join(fmt.Errorf("%w: %s: %v", ErrInvalidOutput, method.Sig, err), keeper.ErrFatal)
	}
	if len(out) != 1 {
		return false, errors.Join(fmt.Errorf("%w: %s", ErrInvalidOutput, method.Sig), keeper.ErrFatal)
	}
	res, ok := out[0].(bool)
	if !ok {
		return false, errors.Join(fmt.Errorf("%w: %s returned %T", ErrInvalidOutput, method.Sig, out[0]), keeper.ErrFatal)
	}
	return res, nil
}

// DataFeed binds the data feed contract.
type DataFeed struct {
	address      common.Address
	abi          abi.ABI
	contract     *bind.BoundContract
	poolObserved abi.Event
}

func NewDataFeed(address common.Address, caller bind.ContractCaller) (*DataFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(DataFeedABI))
	if err != nil {
		return nil, err
	}
	event, ok := parsed.Events[poolObservedEvent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, poolObservedEvent)
	}
	return &DataFeed{
		address:      address,
		abi:          parsed,
		contract:     bind.NewBoundContract(address, parsed, caller, nil, nil),
		poolObserved: event,
	}, nil
}

func (f *DataFeed) Address() common.Address {
	return f.address
}

func (f *DataFeed) WhitelistedPools(ctx context.Context) ([]common.Hash, error) {
	var out []interface{}
	err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "whitelistedPools")
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, ErrInvalidOutput
	}
	salts, ok := out[0].([][32]byte)
	if !ok {
		return nil, ErrInvalidOutput
	}
	pools := make([]common.Hash, 0, len(salts))
	for _, salt := range salts {
		pools = append(pools, common.Hash(salt))
	}
	return pools, nil
}

// PoolObservedQuery filters PoolObserved logs of this data feed.
func (f *DataFeed) PoolObservedQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{f.address},
		Topics:    [][]common.Hash{{f.poolObserved.ID}},
	}
}

func (f *DataFeed) ParsePoolObserved(log types.Log) (*PoolObserved, error) {
	if len(log.Topics) == 0 || log.Topics[0] != f.poolObserved.ID {
		return nil, ErrUnexpectedEvent
	}
	values, err := f.poolObserved.Inputs.Unpack(log.Data)
	if err != nil {
		return nil, errors.Join(err, ErrInvalidEvent)
	}
	if len(values) != 3 {
		return nil, ErrInvalidEvent
	}

	salt, ok := values[0].([32]byte)
	if !ok {
		return nil, ErrInvalidEvent
	}
	nonce, ok := values[1].(*big.Int)
	if !ok || !nonce.IsUint64() || nonce.Uint64() > 1<<24-1 {
		return nil, ErrInvalidEvent
	}
	observations, ok := abi.ConvertType(values[2], new([]Observation)).(*[]Observation)
	if !ok {
		return nil, ErrInvalidEvent
	}

	return &PoolObserved{
		PoolSalt:     common.Hash(salt),
		PoolNonce:    uint32(nonce.Uint64()),
		Observations: *observations,
		Raw:          log,
	}, nil
}
