package versions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagepath/sagepath/internal/plans"
	"github.com/sagepath/sagepath/internal/platform/db"
)

const versionColumns = `id, plan_instance_id, version_number, status, snapshot, version_notes, finalized_at, finalized_by, distributed_at, distributed_by, created_at`

// Repository encapsulates DB operations for plan versions.
type Repository interface {
	ListVersions(ctx context.Context, planInstanceID uuid.UUID) ([]PlanVersion, error)
	GetVersion(ctx context.Context, versionID uuid.UUID) (PlanVersion, error)
	LatestVersion(ctx context.Context, planInstanceID uuid.UUID) (PlanVersion, error)
	NextVersionNumber(ctx context.Context, planInstanceID uuid.UUID) (int, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	// LockPlan serializes version writes per plan instance and returns the
	// plan type code for eligibility checks.
	LockPlan(ctx context.Context, planInstanceID uuid.UUID) (string, error)
	NextVersionNumber(ctx context.Context, planInstanceID uuid.UUID) (int, error)
	SupersedeActive(ctx context.Context, planInstanceID uuid.UUID) (int, error)
	InsertVersion(ctx context.Context, in CreateVersionInput, versionNumber int) (PlanVersion, error)
	GetVersionForUpdate(ctx context.Context, versionID uuid.UUID) (PlanVersion, error)
	MarkDistributed(ctx context.Context, versionID, byUserID uuid.UUID, at time.Time) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) ListVersions(ctx context.Context, planInstanceID uuid.UUID) ([]PlanVersion, error) {
	rows, err := r.db.Query(ctx, `SELECT `+versionColumns+` FROM plan_versions WHERE plan_instance_id=$1 ORDER BY version_number ASC`, planInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlanVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *repository) GetVersion(ctx context.Context, versionID uuid.UUID) (PlanVersion, error) {
	row := r.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM plan_versions WHERE id=$1`, versionID)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanVersion{}, ErrVersionNotFound
		}
		return PlanVersion{}, err
	}
	return v, nil
}

func (r *repository) LatestVersion(ctx context.Context, planInstanceID uuid.UUID) (PlanVersion, error) {
	row := r.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM plan_versions WHERE plan_instance_id=$1 ORDER BY version_number DESC LIMIT 1`, planInstanceID)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanVersion{}, ErrVersionNotFound
		}
		return PlanVersion{}, err
	}
	return v, nil
}

func (r *repository) NextVersionNumber(ctx context.Context, planInstanceID uuid.UUID) (int, error) {
	return nextVersionNumber(ctx, r.db, planInstanceID)
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// NewTxRepository binds a TxRepository to an externally managed
// transaction, letting the finalize orchestration share one commit with
// the ledger and signature stores.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) LockPlan(ctx context.Context, planInstanceID uuid.UUID) (string, error) {
	var planTypeCode string
	err := r.tx.QueryRow(ctx, `SELECT plan_type_code FROM plan_instances WHERE id=$1 FOR UPDATE`, planInstanceID).Scan(&planTypeCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", plans.ErrPlanNotFound
		}
		return "", err
	}
	return planTypeCode, nil
}

func (r *txRepository) NextVersionNumber(ctx context.Context, planInstanceID uuid.UUID) (int, error) {
	return nextVersionNumber(ctx, r.tx, planInstanceID)
}

func (r *txRepository) SupersedeActive(ctx context.Context, planInstanceID uuid.UUID) (int, error) {
	cmd, err := r.tx.Exec(ctx, `UPDATE plan_versions SET status='SUPERSEDED' WHERE plan_instance_id=$1 AND status<>'SUPERSEDED'`, planInstanceID)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (r *txRepository) InsertVersion(ctx context.Context, in CreateVersionInput, versionNumber int) (PlanVersion, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO plan_versions (id, plan_instance_id, version_number, status, snapshot, version_notes, finalized_at, finalized_by)
VALUES ($1,$2,$3,'FINAL',$4,$5,NOW(),$6) RETURNING `+versionColumns,
		uuid.New(), in.PlanInstanceID, versionNumber, in.Snapshot, in.VersionNotes, in.FinalizedBy)
	v, err := scanVersion(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return PlanVersion{}, ErrVersionNumberConflict
		}
		return PlanVersion{}, err
	}
	return v, nil
}

func (r *txRepository) GetVersionForUpdate(ctx context.Context, versionID uuid.UUID) (PlanVersion, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM plan_versions WHERE id=$1 FOR UPDATE`, versionID)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanVersion{}, ErrVersionNotFound
		}
		return PlanVersion{}, err
	}
	return v, nil
}

func (r *txRepository) MarkDistributed(ctx context.Context, versionID, byUserID uuid.UUID, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE plan_versions SET status='DISTRIBUTED', distributed_at=$2, distributed_by=$3 WHERE id=$1 AND status='FINAL'`, versionID, at, byUserID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotDistributable
	}
	return nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nextVersionNumber(ctx context.Context, q queryer, planInstanceID uuid.UUID) (int, error) {
	var next int
	err := q.QueryRow(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM plan_versions WHERE plan_instance_id=$1`, planInstanceID).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func scanVersion(row pgx.Row) (PlanVersion, error) {
	var v PlanVersion
	err := row.Scan(&v.ID, &v.PlanInstanceID, &v.VersionNumber, &v.Status, &v.Snapshot, &v.VersionNotes,
		&v.FinalizedAt, &v.FinalizedBy, &v.DistributedAt, &v.DistributedBy, &v.CreatedAt)
	if err != nil {
		return PlanVersion{}, err
	}
	return v, nil
}
