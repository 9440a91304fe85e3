package keeper

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var gweiToWeiInt = big.NewInt(params.GWei)

// Attempt is one burst sent to the relays for a work item.
type Attempt struct {
	Key               string
	Number            int
	HeadBlock         uint64
	FirstBlock        uint64
	LastBlock         uint64
	Nonce             uint64
	MaxFeePerGas      *big.Int
	PriorityFeePerGas *big.Int
	TxHash            common.Hash
	Accepted          int
	Rejected          int
	CreatedAt         time.Time
}

// AttemptStore keeps a journal of submission attempts. It is informational only,
// the orchestrator never reads it back.
type AttemptStore interface {
	InsertAttempt(ctx context.Context, attempt *Attempt) error
}

type NoopStore struct{}

func (NoopStore) InsertAttempt(context.Context, *Attempt) error {
	return nil
}

type DBAttempt struct {
	ID              int64          `db:"id"`
	WorkKey         string         `db:"work_key"`
	Attempt         int            `db:"attempt"`
	HeadBlock       int64          `db:"head_block"`
	FirstBlock      int64          `db:"first_block"`
	LastBlock       int64          `db:"last_block"`
	Nonce           int64          `db:"nonce"`
	MaxFeeGwei      sql.NullString `db:"max_fee_gwei"`
	PriorityFeeGwei sql.NullString `db:"priority_fee_gwei"`
	TxHash          []byte         `db:"tx_hash"`
	Accepted        int            `db:"accepted"`
	Rejected        int            `db:"rejected"`
	CreatedAt       time.Time      `db:"created_at"`
}

var insertAttemptQuery = `
INSERT INTO keeper_attempts (work_key, attempt, head_block, first_block, last_block, nonce,
                             max_fee_gwei, priority_fee_gwei, tx_hash, accepted, rejected, created_at)
VALUES (:work_key, :attempt, :head_block, :first_block, :last_block, :nonce,
        :max_fee_gwei, :priority_fee_gwei, :tx_hash, :accepted, :rejected, :created_at)
RETURNING id`

var selectAttemptsQuery = `
SELECT id, work_key, attempt, head_block, first_block, last_block, nonce,
       max_fee_gwei, priority_fee_gwei, tx_hash, accepted, rejected, created_at
FROM keeper_attempts
WHERE work_key = $1
ORDER BY attempt, id`

type DBBackend struct {
	db *sqlx.DB

	insertAttempt  *sqlx.NamedStmt
	selectAttempts *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return newDBBackend(db)
}

// newDBBackend prepares the statements and takes ownership of db, it is closed if preparing fails.
func newDBBackend(db *sqlx.DB) (*DBBackend, error) {
	insertAttempt, err := db.PrepareNamed(insertAttemptQuery)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	selectAttempts, err := db.Preparex(selectAttemptsQuery)
	if err != nil {
		_ = insertAttempt.Close()
		_ = db.Close()
		return nil, err
	}

	return &DBBackend{
		db:             db,
		insertAttempt:  insertAttempt,
		selectAttempts: selectAttempts,
	}, nil
}

func (b *DBBackend) InsertAttempt(ctx context.Context, attempt *Attempt) error {
	dbAttempt := DBAttempt{
		WorkKey:         attempt.Key,
		Attempt:         attempt.Number,
		HeadBlock:       int64(attempt.HeadBlock),
		FirstBlock:      int64(attempt.FirstBlock),
		LastBlock:       int64(attempt.LastBlock),
		Nonce:           int64(attempt.Nonce),
		MaxFeeGwei:      dbWeiToGwei(attempt.MaxFeePerGas),
		PriorityFeeGwei: dbWeiToGwei(attempt.PriorityFeePerGas),
		TxHash:          attempt.TxHash.Bytes(),
		Accepted:        attempt.Accepted,
		Rejected:        attempt.Rejected,
		CreatedAt:       attempt.CreatedAt,
	}
	if dbAttempt.CreatedAt.IsZero() {
		dbAttempt.CreatedAt = time.Now()
	}

	var id int64
	return b.insertAttempt.GetContext(ctx, &id, dbAttempt)
}

// AttemptsByKey returns the journal of one work item ordered by attempt number.
func (b *DBBackend) AttemptsByKey(ctx context.Context, key string) ([]DBAttempt, error) {
	var attempts []DBAttempt
	err := b.selectAttempts.SelectContext(ctx, &attempts, key)
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func dbWeiToGwei(i *big.Int) sql.NullString {
	if i == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: new(big.Rat).SetFrac(i, gweiToWeiInt).FloatString(9), Valid: true}
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
