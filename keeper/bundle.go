package keeper

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyBundle      = errors.New("bundle has no transactions")
	ErrInvalidBurstSize = errors.New("burst size must be positive")
	ErrInvalidTxRequest = errors.New("invalid transaction request")
)

// Bundle is an ordered set of signed transactions targeting one block.
type Bundle struct {
	Txs         []*types.Transaction
	BlockNumber uint64
}

// Burst is a sequence of bundles with the same transactions targeting consecutive blocks.
type Burst []Bundle

// SendBundleArgs is the eth_sendBundle request body.
type SendBundleArgs struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
}

type SendBundleResponse struct {
	BundleHash common.Hash `json:"bundleHash"`
}

// BuildBurst returns burstSize bundles carrying txs, targeting firstBlock, firstBlock+1, ...
func BuildBurst(txs []*types.Transaction, burstSize int, firstBlock uint64) (Burst, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	if burstSize < 1 {
		return nil, ErrInvalidBurstSize
	}
	burst := make(Burst, 0, burstSize)
	for i := 0; i < burstSize; i++ {
		bundleTxs := make([]*types.Transaction, len(txs))
		copy(bundleTxs, txs)
		burst = append(burst, Bundle{
			Txs:         bundleTxs,
			BlockNumber: firstBlock + uint64(i),
		})
	}
	return burst, nil
}

// Hash identifies the bundle in logs: keccak256(txHash_0 ... txHash_n || blockNumber)
func (b *Bundle) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, tx := range b.Txs {
		hasher.Write(tx.Hash().Bytes())
	}
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], b.BlockNumber)
	hasher.Write(block[:])

	var hash common.Hash
	hasher.Sum(hash[:0])
	return hash
}

func (b *Bundle) SendArgs() (SendBundleArgs, error) {
	args := SendBundleArgs{
		Txs:         make([]hexutil.Bytes, 0, len(b.Txs)),
		BlockNumber: hexutil.Uint64(b.BlockNumber),
	}
	for _, tx := range b.Txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return SendBundleArgs{}, err
		}
		args.Txs = append(args.Txs, raw)
	}
	return args, nil
}

// FirstBlock returns the target of the first bundle or 0 for an empty burst.
func (b Burst) FirstBlock() uint64 {
	if len(b) == 0 {
		return 0
	}
	return b[0].BlockNumber
}

// LastBlock returns the target of the last bundle or 0 for an empty burst.
func (b Burst) LastBlock() uint64 {
	if len(b) == 0 {
		return 0
	}
	return b[len(b)-1].BlockNumber
}

// TxRequest describes the work transaction before signing.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	Nonce    uint64
	Gas      GasPlan
}

// TxSigner signs dynamic fee transactions for one chain with the keeper's funding key.
type TxSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

func NewTxSigner(key *ecdsa.PrivateKey, chainID *big.Int) *TxSigner {
	return &TxSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

func (s *TxSigner) Address() common.Address {
	return s.address
}

func (s *TxSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

func (s *TxSigner) SignTx(req TxRequest) (*types.Transaction, error) {
	if req.Gas.MaxFeePerGas == nil || req.Gas.PriorityFeePerGas == nil {
		return nil, fmt.Errorf("%w: missing gas plan", ErrInvalidTxRequest)
	}
	if req.GasLimit == 0 {
		return nil, fmt.Errorf("%w: zero gas limit", ErrInvalidTxRequest)
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     req.Nonce,
		GasTipCap: new(big.Int).Set(req.Gas.PriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(req.Gas.MaxFeePerGas),
		Gas:       req.GasLimit,
		To:        &to,
		Value:     new(big.Int).Set(value),
		Data:      req.Data,
	})
	return types.SignTx(tx, s.signer, s.key)
}
