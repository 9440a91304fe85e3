// Package keeper implements the bundle broadcast-and-retry engine of the keeper.
// Here is a full flow of a work item through the engine:
//
// trigger -> Orchestrator.Work is called with a WorkItem
//
//	Orchestrator -> Gate admits the work item key (one loop per key per process)
//	Orchestrator -> WorkItem.Workable is checked before every attempt
//	Orchestrator -> ComputeGasPlan prices the burst for the furthest target block
//	Orchestrator -> TxSigner signs the work transaction with a fresh nonce
//	Orchestrator -> BuildBurst copies the transaction into one bundle per target block
//	Orchestrator -> Submitter (RelayClient) sends the burst to the private relays
//	Orchestrator -> BlockWaiter blocks until the next head, then the loop repeats
//
// The loop stops when the work item is no longer workable, when the transaction is
// found on chain, when MaxAttempts is reached or on a fatal error.
package keeper

import "time"

const (
	DefaultBurstSize    = 3
	DefaultFutureBlocks = 1
	DefaultGasLimit     = 10_000_000

	DefaultRPCTimeout       = 5 * time.Second
	DefaultBlockWaitTimeout = 60 * time.Second
)
