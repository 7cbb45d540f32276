package finalize

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagepath/sagepath/internal/ledger"
	"github.com/sagepath/sagepath/internal/platform/db"
	"github.com/sagepath/sagepath/internal/signatures"
	"github.com/sagepath/sagepath/internal/versions"
)

// TxStores bundles the per-domain transactional repositories over one
// shared transaction, so a finalize commits or rolls back as a unit.
type TxStores struct {
	Versions   versions.TxRepository
	Ledger     ledger.TxRepository
	Signatures signatures.TxRepository
}

// Repository opens the cross-domain finalize transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStores) error) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxStores) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, TxStores{
			Versions:   versions.NewTxRepository(tx),
			Ledger:     ledger.NewTxRepository(tx),
			Signatures: signatures.NewTxRepository(tx),
		})
	})
}
