package plans

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Store and MeetingStore against the authoring
// database. The snapshot column is maintained by the authoring app.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the adapter.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetPlanSnapshot returns the current plan state as an opaque document.
func (r *Repository) GetPlanSnapshot(ctx context.Context, planInstanceID uuid.UUID) (Snapshot, error) {
	snap := Snapshot{PlanInstanceID: planInstanceID}
	err := r.db.QueryRow(ctx, `SELECT plan_type_code, snapshot FROM plan_instances WHERE id=$1`, planInstanceID).
		Scan(&snap.PlanTypeCode, &snap.Body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrPlanNotFound
		}
		return Snapshot{}, err
	}
	return snap, nil
}

// GetMeeting loads a meeting reference.
func (r *Repository) GetMeeting(ctx context.Context, meetingID uuid.UUID) (Meeting, error) {
	var m Meeting
	err := r.db.QueryRow(ctx, `SELECT id, plan_instance_id FROM meetings WHERE id=$1`, meetingID).
		Scan(&m.ID, &m.PlanInstanceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Meeting{}, ErrMeetingNotFound
		}
		return Meeting{}, err
	}
	return m, nil
}
