package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-keeper/metrics"
	"go.uber.org/zap"
)

var (
	// ErrFatal marks errors that abort the loop of a work item, for example a payload that cannot be encoded.
	ErrFatal = errors.New("fatal work item error")
	// ErrWorkInProgress is returned when another loop already works the same key.
	ErrWorkInProgress = errors.New("work item already in progress")
	ErrInvalidWorkItem = errors.New("invalid work item")
	ErrInvalidConfig   = errors.New("invalid orchestrator config")
)

type Outcome string

const (
	// OutcomeIncluded means the work transaction was found on chain.
	OutcomeIncluded Outcome = "included"
	// OutcomeNotWorkable means the work item stopped being workable, worked by us or by someone else.
	OutcomeNotWorkable Outcome = "not_workable"
	// OutcomeAbandoned means MaxAttempts bursts were sent and the item was still workable.
	OutcomeAbandoned Outcome = "abandoned"
)

// ChainClient is the subset of ethclient.Client used by the orchestrator.
type ChainClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BlockWaiter blocks until the chain head is above the given height.
// WaitForBlock(ctx, 0) returns the current head.
type BlockWaiter interface {
	WaitForBlock(ctx context.Context, after uint64) (*types.Header, error)
}

// WorkItem is one unit of competitive work. Calldata and Workable are supplied by the job strategy
// that produced the item.
type WorkItem struct {
	// Key identifies the work item, only one loop per key runs at a time.
	Key      string
	Contract common.Address
	GasLimit uint64
	Value    *big.Int
	Calldata func() ([]byte, error)
	Workable func(ctx context.Context) (bool, error)
	// Fields are attached to every log line of the loop.
	Fields []zap.Field
}

func (w *WorkItem) validate() error {
	switch {
	case w.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidWorkItem)
	case w.Calldata == nil:
		return fmt.Errorf("%w: missing calldata builder", ErrInvalidWorkItem)
	case w.Workable == nil:
		return fmt.Errorf("%w: missing workable check", ErrInvalidWorkItem)
	case w.Contract == (common.Address{}):
		return fmt.Errorf("%w: missing contract", ErrInvalidWorkItem)
	}
	return nil
}

type Result struct {
	Outcome    Outcome
	Attempts   int
	LastTxHash common.Hash
}

type OrchestratorConfig struct {
	// FutureBlocks is the distance between the current head and the first block of a burst.
	FutureBlocks uint64
	BurstSize    int
	// NewBurstSize is used from the second attempt on. Zero keeps BurstSize.
	NewBurstSize int
	// PriorityFeeWei is the priority fee per gas in wei.
	PriorityFeeWei *big.Int
	// MaxAttempts limits the number of bursts per work item. Zero means no limit.
	MaxAttempts      int
	RPCTimeout       time.Duration
	BlockWaitTimeout time.Duration
}

func (c *OrchestratorConfig) setDefaults() error {
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.NewBurstSize == 0 {
		c.NewBurstSize = c.BurstSize
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.BlockWaitTimeout == 0 {
		c.BlockWaitTimeout = DefaultBlockWaitTimeout
	}
	switch {
	case c.BurstSize < 1 || c.NewBurstSize < 1:
		return fmt.Errorf("%w: burst size must be positive", ErrInvalidConfig)
	case c.PriorityFeeWei == nil || c.PriorityFeeWei.Sign() < 0:
		return fmt.Errorf("%w: priority fee must be set", ErrInvalidConfig)
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: negative max attempts", ErrInvalidConfig)
	}
	return nil
}

// Orchestrator runs the submit, wait, re-check loop for admitted work items.
// It is safe for concurrent use, every call to Work runs its own loop.
type Orchestrator struct {
	log    *zap.Logger
	chain  ChainClient
	waiter BlockWaiter
	relay  Submitter
	gate   Gate
	signer *TxSigner
	store  AttemptStore
	cfg    OrchestratorConfig
}

func NewOrchestrator(
	log *zap.Logger, chain ChainClient, waiter BlockWaiter, relay Submitter, gate Gate, signer *TxSigner,
	store AttemptStore, cfg OrchestratorConfig,
) (*Orchestrator, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if store == nil {
		store = NoopStore{}
	}
	return &Orchestrator{
		log:    log.Named("orchestrator"),
		chain:  chain,
		waiter: waiter,
		relay:  relay,
		gate:   gate,
		signer: signer,
		store:  store,
		cfg:    cfg,
	}, nil
}

// Work admits the item and runs its loop until it is resolved.
// ErrWorkInProgress is returned without side effects if the key is already being worked.
func (o *Orchestrator) Work(ctx context.Context, item WorkItem) (res Result, err error) {
	if err := item.validate(); err != nil {
		metrics.IncWorkItemsFatal()
		return Result{}, errors.Join(err, ErrFatal)
	}
	if !o.gate.TryAdmit(item.Key) {
		metrics.IncWorkItemsBusy()
		return Result{}, ErrWorkInProgress
	}
	defer o.gate.Release(item.Key)

	logger := o.log.With(zap.String("key", item.Key)).With(item.Fields...)
	logger.Info("Work item admitted")
	metrics.IncWorkItemsAdmitted()

	res, err = o.loop(ctx, logger, item)
	metrics.RecordWorkItemAttempts(res.Attempts)
	switch {
	case err == nil:
		logger.Info("Work item resolved", zap.String("outcome", string(res.Outcome)),
			zap.Int("attempts", res.Attempts), zap.String("last_tx", res.LastTxHash.Hex()))
		metrics.IncWorkItemsFinished(string(res.Outcome))
	case errors.Is(err, ErrFatal):
		logger.Error("Work item aborted", zap.Error(err), zap.Int("attempts", res.Attempts))
		metrics.IncWorkItemsFatal()
	default:
		logger.Info("Work item loop stopped", zap.Error(err), zap.Int("attempts", res.Attempts))
	}
	return res, err
}

func (o *Orchestrator) loop(ctx context.Context, logger *zap.Logger, item WorkItem) (Result, error) {
	var (
		res       Result
		burstSize = o.cfg.BurstSize
		// head height used by the last submission, the next one must use a newer head
		submittedHead uint64
		// highest head seen so far, used to wait for the next block after transient failures
		knownHead uint64
	)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if o.cfg.MaxAttempts > 0 && res.Attempts >= o.cfg.MaxAttempts {
			res.Outcome = OutcomeAbandoned
			return res, nil
		}

		workable, err := o.isWorkable(ctx, item)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				return res, err
			}
			o.transient(logger, "Failed to check workable", err)
			if knownHead, err = o.waitForNextBlock(ctx, logger, knownHead); err != nil {
				return res, err
			}
			continue
		}
		if !workable {
			res.Outcome = OutcomeNotWorkable
			return res, nil
		}

		head, err := o.headHeader(ctx)
		if err != nil {
			o.transient(logger, "Failed to get head block", err)
			if knownHead, err = o.waitForNextBlock(ctx, logger, knownHead); err != nil {
				return res, err
			}
			continue
		}
		headNumber := head.Number.Uint64()
		if headNumber > knownHead {
			knownHead = headNumber
		}
		if headNumber <= submittedHead {
			logger.Debug("Head did not advance since last submission", zap.Uint64("head", headNumber),
				zap.Uint64("submitted_head", submittedHead))
			if knownHead, err = o.waitForNextBlock(ctx, logger, submittedHead); err != nil {
				return res, err
			}
			continue
		}

		tx, err := o.submit(ctx, logger, item, head, burstSize, res.Attempts+1)
		if err != nil {
			if errors.Is(err, ErrFatal) {
				// a burst refused by every relay still counts as sent
				if tx != nil {
					res.Attempts++
					res.LastTxHash = tx.Hash()
				}
				return res, err
			}
			o.transient(logger, "Failed to prepare burst", err)
			if knownHead, err = o.waitForNextBlock(ctx, logger, knownHead); err != nil {
				return res, err
			}
			continue
		}
		res.Attempts++
		res.LastTxHash = tx.Hash()
		submittedHead = headNumber
		burstSize = o.cfg.NewBurstSize

		if knownHead, err = o.waitForNextBlock(ctx, logger, submittedHead); err != nil {
			return res, err
		}

		if o.isIncluded(ctx, logger, tx.Hash()) {
			res.Outcome = OutcomeIncluded
			return res, nil
		}
	}
}

// submit builds a burst for the given head and sends it to the relays.
// Errors joined with ErrFatal can not be fixed by retrying on the next block.
func (o *Orchestrator) submit(ctx context.Context, logger *zap.Logger, item WorkItem, head *types.Header, burstSize, attempt int) (*types.Transaction, error) {
	firstBlock := head.Number.Uint64() + o.cfg.FutureBlocks

	// nonce is fetched on every attempt because a previous burst may have landed
	nonceCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	nonce, err := o.chain.NonceAt(nonceCtx, o.signer.Address(), nil)
	cancel()
	if err != nil {
		return nil, err
	}

	plan, err := GasPlanForHeader(head, int(o.cfg.FutureBlocks)+burstSize, o.cfg.PriorityFeeWei)
	if err != nil {
		return nil, errors.Join(err, ErrFatal)
	}

	data, err := item.Calldata()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to build calldata: %w", err), ErrFatal)
	}

	gasLimit := item.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	tx, err := o.signer.SignTx(TxRequest{
		To:       item.Contract,
		Data:     data,
		Value:    item.Value,
		GasLimit: gasLimit,
		Nonce:    nonce,
		Gas:      plan,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to sign transaction: %w", err), ErrFatal)
	}

	burst, err := BuildBurst([]*types.Transaction{tx}, burstSize, firstBlock)
	if err != nil {
		return nil, errors.Join(err, ErrFatal)
	}

	result := o.relay.Submit(ctx, burst)
	metrics.IncBurstsSubmitted()

	logger.Info("Submitted burst",
		zap.Int("attempt", attempt),
		zap.Uint64("head", head.Number.Uint64()),
		zap.Uint64("first_block", burst.FirstBlock()),
		zap.Uint64("last_block", burst.LastBlock()),
		zap.Uint64("nonce", nonce),
		zap.String("gwei_max_fee", formatUnits(plan.MaxFeePerGas, "gwei")),
		zap.String("gwei_priority_fee", formatUnits(plan.PriorityFeePerGas, "gwei")),
		zap.String("tx", tx.Hash().Hex()),
		zap.Int("accepted", result.Accepted()),
		zap.Int("rejected", result.Rejected()),
	)
	for _, b := range result.Bundles {
		if b.Err != nil {
			logger.Debug("Bundle not accepted", zap.String("relay", b.Relay), zap.Uint64("block", b.BlockNumber), zap.Error(b.Err))
		}
	}

	o.recordAttempt(ctx, logger, &Attempt{
		Key:               item.Key,
		Number:            attempt,
		HeadBlock:         head.Number.Uint64(),
		FirstBlock:        burst.FirstBlock(),
		LastBlock:         burst.LastBlock(),
		Nonce:             nonce,
		MaxFeePerGas:      plan.MaxFeePerGas,
		PriorityFeePerGas: plan.PriorityFeePerGas,
		TxHash:            tx.Hash(),
		Accepted:          result.Accepted(),
		Rejected:          result.Rejected(),
		CreatedAt:         time.Now(),
	})
	if result.Unauthorized() {
		return tx, errors.Join(fmt.Errorf("every relay refused the bundle signer: %w", ErrRelayUnauthorized), ErrFatal)
	}
	return tx, nil
}

func (o *Orchestrator) isWorkable(ctx context.Context, item WorkItem) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	return item.Workable(ctx)
}

func (o *Orchestrator) headHeader(ctx context.Context) (*types.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	head, err := o.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	if head == nil || head.Number == nil {
		return nil, ethereum.NotFound
	}
	return head, nil
}

func (o *Orchestrator) isIncluded(ctx context.Context, logger *zap.Logger, hash common.Hash) bool {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	receipt, err := o.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			o.transient(logger, "Failed to get transaction receipt", err)
		}
		return false
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		logger.Warn("Work transaction reverted", zap.String("tx", hash.Hex()), zap.Uint64("block", receipt.BlockNumber.Uint64()))
	}
	return true
}

// waitForNextBlock blocks until the head is above after and returns the new head height.
// If after is unknown (zero) it waits for the block after the current head.
// Hitting BlockWaitTimeout is not an error, the caller simply re-checks the chain.
func (o *Orchestrator) waitForNextBlock(ctx context.Context, logger *zap.Logger, after uint64) (uint64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.BlockWaitTimeout)
	defer cancel()

	if after == 0 {
		head, err := o.waiter.WaitForBlock(waitCtx, 0)
		if err != nil {
			return o.waitFailed(ctx, logger, after, err)
		}
		after = head.Number.Uint64()
	}
	head, err := o.waiter.WaitForBlock(waitCtx, after)
	if err != nil {
		return o.waitFailed(ctx, logger, after, err)
	}
	return head.Number.Uint64(), nil
}

func (o *Orchestrator) waitFailed(ctx context.Context, logger *zap.Logger, after uint64, err error) (uint64, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return after, ctxErr
	}
	o.transient(logger, "Failed to wait for next block", err)
	return after, nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, logger *zap.Logger, attempt *Attempt) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
	defer cancel()
	if err := o.store.InsertAttempt(ctx, attempt); err != nil {
		logger.Warn("Failed to record submission attempt", zap.Error(err))
	}
}

func (o *Orchestrator) transient(logger *zap.Logger, msg string, err error) {
	metrics.IncTransientErrors()
	logger.Warn(msg, zap.Error(err))
}
