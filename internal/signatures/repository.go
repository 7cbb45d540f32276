package signatures

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagepath/sagepath/internal/platform/db"
)

const packetColumns = `id, plan_version_id, status, required_roles, expires_at, completed_at, created_by, created_at`
const recordColumns = `id, packet_id, role, signer_user_id, signer_name, signer_email, signer_title, method, status, signed_at, attestation_text, ip_address, declined_at, decline_reason, created_at`

// Repository encapsulates DB operations for signature packets and records.
type Repository interface {
	GetPacket(ctx context.Context, packetID uuid.UUID) (SignaturePacket, []SignatureRecord, error)
	GetPacketForVersion(ctx context.Context, planVersionID uuid.UUID) (SignaturePacket, []SignatureRecord, error)
	// ListDueOpenPackets returns ids of OPEN packets whose deadline has
	// passed, for the expiry sweep.
	ListDueOpenPackets(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes methods available within a transaction.
type TxRepository interface {
	VersionExists(ctx context.Context, planVersionID uuid.UUID) (bool, error)
	InsertPacket(ctx context.Context, in OpenPacketInput) (SignaturePacket, error)
	InsertRecord(ctx context.Context, packetID uuid.UUID, signer SignerInput) (SignatureRecord, error)
	GetPacketForUpdate(ctx context.Context, packetID uuid.UUID) (SignaturePacket, error)
	GetRecordForUpdate(ctx context.Context, recordID uuid.UUID) (SignatureRecord, error)
	ListRecords(ctx context.Context, packetID uuid.UUID) ([]SignatureRecord, error)
	MarkSigned(ctx context.Context, recordID uuid.UUID, method Method, signerName, attestation, ipAddress string, at time.Time) error
	MarkDeclined(ctx context.Context, recordID uuid.UUID, reason string, at time.Time) error
	MarkPacketComplete(ctx context.Context, packetID uuid.UUID, at time.Time) error
	MarkPacketExpired(ctx context.Context, packetID uuid.UUID) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed Repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) GetPacket(ctx context.Context, packetID uuid.UUID) (SignaturePacket, []SignatureRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+packetColumns+` FROM signature_packets WHERE id=$1`, packetID)
	return r.packetWithRecords(ctx, row)
}

func (r *repository) GetPacketForVersion(ctx context.Context, planVersionID uuid.UUID) (SignaturePacket, []SignatureRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+packetColumns+` FROM signature_packets WHERE plan_version_id=$1`, planVersionID)
	return r.packetWithRecords(ctx, row)
}

func (r *repository) packetWithRecords(ctx context.Context, row pgx.Row) (SignaturePacket, []SignatureRecord, error) {
	packet, err := scanPacket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SignaturePacket{}, nil, ErrPacketNotFound
		}
		return SignaturePacket{}, nil, err
	}
	records, err := listRecords(ctx, r.db, packet.ID)
	if err != nil {
		return SignaturePacket{}, nil, err
	}
	return packet, records, nil
}

func (r *repository) ListDueOpenPackets(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT id FROM signature_packets WHERE status='OPEN' AND expires_at IS NOT NULL AND expires_at < $1 ORDER BY expires_at ASC LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
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

func (r *txRepository) VersionExists(ctx context.Context, planVersionID uuid.UUID) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM plan_versions WHERE id=$1)`, planVersionID).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertPacket(ctx context.Context, in OpenPacketInput) (SignaturePacket, error) {
	roles := make([]string, 0, len(in.RequiredRoles))
	for _, role := range in.RequiredRoles {
		roles = append(roles, string(role))
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO signature_packets (id, plan_version_id, status, required_roles, expires_at, created_by)
VALUES ($1,$2,'OPEN',$3,$4,$5) RETURNING `+packetColumns,
		uuid.New(), in.PlanVersionID, roles, in.ExpiresAt, in.CreatedBy)
	packet, err := scanPacket(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return SignaturePacket{}, ErrPacketExists
		}
		return SignaturePacket{}, err
	}
	return packet, nil
}

func (r *txRepository) InsertRecord(ctx context.Context, packetID uuid.UUID, signer SignerInput) (SignatureRecord, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO signature_records (id, packet_id, role, signer_user_id, signer_name, signer_email, signer_title, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,'PENDING') RETURNING `+recordColumns,
		uuid.New(), packetID, string(signer.Role), signer.SignerUserID, signer.SignerName, signer.SignerEmail, signer.SignerTitle)
	return scanRecord(row)
}

func (r *txRepository) GetPacketForUpdate(ctx context.Context, packetID uuid.UUID) (SignaturePacket, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+packetColumns+` FROM signature_packets WHERE id=$1 FOR UPDATE`, packetID)
	packet, err := scanPacket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SignaturePacket{}, ErrPacketNotFound
		}
		return SignaturePacket{}, err
	}
	return packet, nil
}

func (r *txRepository) GetRecordForUpdate(ctx context.Context, recordID uuid.UUID) (SignatureRecord, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM signature_records WHERE id=$1 FOR UPDATE`, recordID)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SignatureRecord{}, ErrRecordNotFound
		}
		return SignatureRecord{}, err
	}
	return record, nil
}

func (r *txRepository) ListRecords(ctx context.Context, packetID uuid.UUID) ([]SignatureRecord, error) {
	return listRecords(ctx, r.tx, packetID)
}

func (r *txRepository) MarkSigned(ctx context.Context, recordID uuid.UUID, method Method, signerName, attestation, ipAddress string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE signature_records SET status='SIGNED', method=$2, signer_name=$3, attestation_text=$4, ip_address=$5, signed_at=$6 WHERE id=$1 AND status='PENDING'`,
		recordID, string(method), signerName, attestation, ipAddress, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRecordNotPending
	}
	return nil
}

func (r *txRepository) MarkDeclined(ctx context.Context, recordID uuid.UUID, reason string, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE signature_records SET status='DECLINED', decline_reason=$2, declined_at=$3 WHERE id=$1 AND status='PENDING'`,
		recordID, reason, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRecordNotPending
	}
	return nil
}

func (r *txRepository) MarkPacketComplete(ctx context.Context, packetID uuid.UUID, at time.Time) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE signature_packets SET status='COMPLETE', completed_at=$2 WHERE id=$1 AND status='OPEN'`, packetID, at)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPacketNotOpen
	}
	return nil
}

func (r *txRepository) MarkPacketExpired(ctx context.Context, packetID uuid.UUID) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE signature_packets SET status='EXPIRED' WHERE id=$1 AND status='OPEN'`, packetID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrPacketNotOpen
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listRecords(ctx context.Context, q querier, packetID uuid.UUID) ([]SignatureRecord, error) {
	rows, err := q.Query(ctx, `SELECT `+recordColumns+` FROM signature_records WHERE packet_id=$1 ORDER BY created_at ASC, id ASC`, packetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []SignatureRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanPacket(row pgx.Row) (SignaturePacket, error) {
	var p SignaturePacket
	var roles []string
	err := row.Scan(&p.ID, &p.PlanVersionID, &p.Status, &roles, &p.ExpiresAt, &p.CompletedAt, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return SignaturePacket{}, err
	}
	p.RequiredRoles = make([]Role, 0, len(roles))
	for _, role := range roles {
		p.RequiredRoles = append(p.RequiredRoles, Role(role))
	}
	return p, nil
}

func scanRecord(row pgx.Row) (SignatureRecord, error) {
	var rec SignatureRecord
	var method *string
	err := row.Scan(&rec.ID, &rec.PacketID, &rec.Role, &rec.SignerUserID, &rec.SignerName, &rec.SignerEmail,
		&rec.SignerTitle, &method, &rec.Status, &rec.SignedAt, &rec.AttestationText, &rec.IPAddress,
		&rec.DeclinedAt, &rec.DeclineReason, &rec.CreatedAt)
	if err != nil {
		return SignatureRecord{}, err
	}
	if method != nil {
		m := Method(*method)
		rec.Method = &m
	}
	return rec, nil
}
