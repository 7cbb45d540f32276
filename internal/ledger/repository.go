package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagepath/sagepath/internal/platform/db"
	"github.com/sagepath/sagepath/internal/shared"
)

const entryColumns = `id, plan_instance_id, plan_version_id, meeting_id, decision_type, section_key, summary, rationale, options_considered, participants, decided_at, decided_by, status, voided_at, voided_by, void_reason, created_at`

// Repository encapsulates DB operations for the decision ledger.
type Repository interface {
	Query(ctx context.Context, planInstanceID uuid.UUID, filter QueryFilter) ([]Entry, int, error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (Entry, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	InsertEntry(ctx context.Context, in RecordInput, decidedAt time.Time) (Entry, error)
	GetEntryForUpdate(ctx context.Context, entryID uuid.UUID) (Entry, error)
	MarkVoid(ctx context.Context, entryID uuid.UUID, reason string, byUserID uuid.UUID, at time.Time) error
	// GetVersionPlan resolves which plan a version belongs to, for
	// cross-reference validation inside the same transaction.
	GetVersionPlan(ctx context.Context, versionID uuid.UUID) (uuid.UUID, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) Query(ctx context.Context, planInstanceID uuid.UUID, filter QueryFilter) ([]Entry, int, error) {
	where := `plan_instance_id=$1`
	args := []any{planInstanceID}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		where += fmt.Sprintf(` AND decision_type=$%d`, len(args))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filter.SectionKey != nil {
		args = append(args, *filter.SectionKey)
		where += fmt.Sprintf(` AND section_key=$%d`, len(args))
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM decision_ledger_entries WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	p := shared.NewPagination(filter.Page, filter.PerPage, total)
	args = append(args, p.PerPage, p.Offset())
	query := fmt.Sprintf(`SELECT %s FROM decision_ledger_entries WHERE %s ORDER BY decided_at DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func (r *repository) GetEntry(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM decision_ledger_entries WHERE id=$1`, entryID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// NewTxRepository binds a TxRepository to an externally managed transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) InsertEntry(ctx context.Context, in RecordInput, decidedAt time.Time) (Entry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO decision_ledger_entries
(id, plan_instance_id, plan_version_id, meeting_id, decision_type, section_key, summary, rationale, options_considered, participants, decided_at, decided_by, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'ACTIVE') RETURNING `+entryColumns,
		uuid.New(), in.PlanInstanceID, in.PlanVersionID, in.MeetingID, in.Type, in.SectionKey,
		in.Summary, in.Rationale, in.OptionsConsidered, in.Participants, decidedAt, in.DecidedBy)
	return scanEntry(row)
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM decision_ledger_entries WHERE id=$1 FOR UPDATE`, entryID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	return e, nil
}

func (r *txRepository) MarkVoid(ctx context.Context, entryID uuid.UUID, reason string, byUserID uuid.UUID, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE decision_ledger_entries SET status='VOID', void_reason=$2, voided_by=$3, voided_at=$4 WHERE id=$1 AND status='ACTIVE'`,
		entryID, reason, byUserID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAlreadyVoided
	}
	return nil
}

func (r *txRepository) GetVersionPlan(ctx context.Context, versionID uuid.UUID) (uuid.UUID, error) {
	var planID uuid.UUID
	err := r.tx.QueryRow(ctx, `SELECT plan_instance_id FROM plan_versions WHERE id=$1`, versionID).Scan(&planID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("ledger: plan version not found: %w", ErrVersionMismatch)
		}
		return uuid.Nil, err
	}
	return planID, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.PlanInstanceID, &e.PlanVersionID, &e.MeetingID, &e.Type, &e.SectionKey,
		&e.Summary, &e.Rationale, &e.OptionsConsidered, &e.Participants, &e.DecidedAt, &e.DecidedBy,
		&e.Status, &e.VoidedAt, &e.VoidedBy, &e.VoidReason, &e.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}
