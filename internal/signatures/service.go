package signatures

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
)

// Default attestation recorded for electronic signatures.
const defaultAttestationText = "I have reviewed this plan version and agree to its contents."

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements the signature workflow.
type Service struct {
	repo  Repository
	audit AuditPort
	now   func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// OpenPacket creates an OPEN packet for a plan version with its required
// roles and any pre-populated signers.
func (s *Service) OpenPacket(ctx context.Context, in OpenPacketInput) (SignaturePacket, []SignatureRecord, error) {
	if err := in.Validate(); err != nil {
		return SignaturePacket{}, nil, err
	}
	var packet SignaturePacket
	var records []SignatureRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.VersionExists(ctx, in.PlanVersionID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrVersionNotFound
		}
		packet, err = tx.InsertPacket(ctx, in)
		if err != nil {
			return err
		}
		for _, signer := range in.InitialSigners {
			record, err := tx.InsertRecord(ctx, packet.ID, signer)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return SignaturePacket{}, nil, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.CreatedBy,
			Action:   "packet.open",
			Entity:   "signature_packet",
			EntityID: packet.ID.String(),
			Meta: map[string]any{
				"plan_version_id": packet.PlanVersionID.String(),
				"required_roles":  packet.RequiredRoles,
			},
			At: s.now(),
		})
	}
	return packet, records, nil
}

// GetPacket returns a packet with its records, lazily expiring it when the
// deadline has passed.
func (s *Service) GetPacket(ctx context.Context, packetID uuid.UUID) (SignaturePacket, []SignatureRecord, error) {
	packet, records, err := s.repo.GetPacket(ctx, packetID)
	if err != nil {
		return SignaturePacket{}, nil, err
	}
	packet, err = s.lazyExpire(ctx, packet)
	if err != nil {
		return SignaturePacket{}, nil, err
	}
	return packet, records, nil
}

// GetPacketForVersion returns the packet opened for a plan version.
func (s *Service) GetPacketForVersion(ctx context.Context, planVersionID uuid.UUID) (SignaturePacket, []SignatureRecord, error) {
	packet, records, err := s.repo.GetPacketForVersion(ctx, planVersionID)
	if err != nil {
		return SignaturePacket{}, nil, err
	}
	packet, err = s.lazyExpire(ctx, packet)
	if err != nil {
		return SignaturePacket{}, nil, err
	}
	return packet, records, nil
}

func (s *Service) lazyExpire(ctx context.Context, packet SignaturePacket) (SignaturePacket, error) {
	if packet.Status != PacketStatusOpen || !packet.Expired(s.now()) {
		return packet, nil
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPacketForUpdate(ctx, packet.ID)
		if err != nil {
			return err
		}
		if current.Status != PacketStatusOpen {
			return nil
		}
		return tx.MarkPacketExpired(ctx, packet.ID)
	})
	if err != nil {
		return SignaturePacket{}, err
	}
	packet.Status = PacketStatusExpired
	return packet, nil
}

// Sign transitions a PENDING record to SIGNED and re-evaluates packet
// completion. Returns the updated record and whether the packet became
// COMPLETE in this call.
func (s *Service) Sign(ctx context.Context, in SignInput) (SignatureRecord, bool, error) {
	if err := in.Validate(); err != nil {
		return SignatureRecord{}, false, err
	}
	var record SignatureRecord
	var complete bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		packet, err := tx.GetPacketForUpdate(ctx, in.PacketID)
		if err != nil {
			return err
		}
		if packet.Status == PacketStatusOpen && packet.Expired(s.now()) {
			if err := tx.MarkPacketExpired(ctx, packet.ID); err != nil {
				return err
			}
			return ErrPacketNotOpen
		}
		if packet.Status != PacketStatusOpen {
			return ErrPacketNotOpen
		}
		current, err := tx.GetRecordForUpdate(ctx, in.RecordID)
		if err != nil {
			return err
		}
		if current.PacketID != packet.ID {
			return ErrRecordNotFound
		}
		if current.Status != RecordStatusPending {
			return ErrRecordNotPending
		}
		at := s.now()
		signerName := strings.TrimSpace(in.SignerName)
		if signerName == "" {
			signerName = current.SignerName
		}
		if err := tx.MarkSigned(ctx, current.ID, in.Method, signerName, defaultAttestationText, in.IPAddress, at); err != nil {
			return err
		}
		record = current
		record.Status = RecordStatusSigned
		record.Method = &in.Method
		record.SignerName = signerName
		record.AttestationText = defaultAttestationText
		record.IPAddress = in.IPAddress
		record.SignedAt = &at

		records, err := tx.ListRecords(ctx, packet.ID)
		if err != nil {
			return err
		}
		if RequiredRolesSatisfied(packet.RequiredRoles, records) {
			if err := tx.MarkPacketComplete(ctx, packet.ID, at); err != nil {
				return err
			}
			complete = true
		}
		return nil
	})
	if err != nil {
		return SignatureRecord{}, false, err
	}
	if s.audit != nil {
		actor := shared.ActorFromContext(ctx)
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   "signature.sign",
			Entity:   "signature_record",
			EntityID: record.ID.String(),
			Meta: map[string]any{
				"packet_id":       record.PacketID.String(),
				"role":            string(record.Role),
				"method":          string(in.Method),
				"packet_complete": complete,
			},
			At: s.now(),
		})
	}
	return record, complete, nil
}

// Decline transitions a PENDING record to DECLINED. Declining never
// completes the packet; a declined required-role record blocks completion.
func (s *Service) Decline(ctx context.Context, in DeclineInput) (SignatureRecord, error) {
	if in.PacketID == uuid.Nil || in.RecordID == uuid.Nil {
		return SignatureRecord{}, fmt.Errorf("signatures: packet and record ids required: %w", httpx.ErrValidation)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return SignatureRecord{}, ErrDeclineReasonRequired
	}
	var record SignatureRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		packet, err := tx.GetPacketForUpdate(ctx, in.PacketID)
		if err != nil {
			return err
		}
		if packet.Status == PacketStatusOpen && packet.Expired(s.now()) {
			if err := tx.MarkPacketExpired(ctx, packet.ID); err != nil {
				return err
			}
			return ErrPacketNotOpen
		}
		if packet.Status != PacketStatusOpen {
			return ErrPacketNotOpen
		}
		current, err := tx.GetRecordForUpdate(ctx, in.RecordID)
		if err != nil {
			return err
		}
		if current.PacketID != packet.ID {
			return ErrRecordNotFound
		}
		if current.Status != RecordStatusPending {
			return ErrRecordNotPending
		}
		at := s.now()
		if err := tx.MarkDeclined(ctx, current.ID, in.Reason, at); err != nil {
			return err
		}
		record = current
		record.Status = RecordStatusDeclined
		record.DeclineReason = in.Reason
		record.DeclinedAt = &at
		return nil
	})
	if err != nil {
		return SignatureRecord{}, err
	}
	if s.audit != nil {
		actor := shared.ActorFromContext(ctx)
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   "signature.decline",
			Entity:   "signature_record",
			EntityID: record.ID.String(),
			Meta: map[string]any{
				"packet_id": record.PacketID.String(),
				"reason":    in.Reason,
			},
			At: s.now(),
		})
	}
	return record, nil
}

// AddRecord appends an ad-hoc PENDING record to an open packet, for
// signers beyond the originally required set.
func (s *Service) AddRecord(ctx context.Context, in AddRecordInput) (SignatureRecord, error) {
	if err := in.Validate(); err != nil {
		return SignatureRecord{}, err
	}
	var record SignatureRecord
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		packet, err := tx.GetPacketForUpdate(ctx, in.PacketID)
		if err != nil {
			return err
		}
		if packet.Status == PacketStatusOpen && packet.Expired(s.now()) {
			if err := tx.MarkPacketExpired(ctx, packet.ID); err != nil {
				return err
			}
			return ErrPacketNotOpen
		}
		if packet.Status != PacketStatusOpen {
			return ErrPacketNotOpen
		}
		record, err = tx.InsertRecord(ctx, packet.ID, SignerInput{
			Role:         in.Role,
			SignerName:   in.SignerName,
			SignerEmail:  in.SignerEmail,
			SignerTitle:  in.SignerTitle,
			SignerUserID: in.SignerUserID,
		})
		return err
	})
	if err != nil {
		return SignatureRecord{}, err
	}
	return record, nil
}

// Expire explicitly transitions an OPEN packet to EXPIRED.
func (s *Service) Expire(ctx context.Context, packetID uuid.UUID) (SignaturePacket, error) {
	if packetID == uuid.Nil {
		return SignaturePacket{}, fmt.Errorf("signatures: packet id required: %w", httpx.ErrValidation)
	}
	var packet SignaturePacket
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPacketForUpdate(ctx, packetID)
		if err != nil {
			return err
		}
		if current.Status != PacketStatusOpen {
			return ErrPacketNotOpen
		}
		if err := tx.MarkPacketExpired(ctx, packetID); err != nil {
			return err
		}
		packet = current
		packet.Status = PacketStatusExpired
		return nil
	})
	if err != nil {
		return SignaturePacket{}, err
	}
	if s.audit != nil {
		actor := shared.ActorFromContext(ctx)
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   "packet.expire",
			Entity:   "signature_packet",
			EntityID: packet.ID.String(),
			At:       s.now(),
		})
	}
	return packet, nil
}

// ExpireDue sweeps OPEN packets whose deadline has passed. Idempotent:
// packets already transitioned by a concurrent sweep or lazy check are
// skipped. Returns the number of packets expired.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.repo.ListDueOpenPackets(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	var expired atomicCounter
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				current, err := tx.GetPacketForUpdate(ctx, id)
				if err != nil {
					return err
				}
				if current.Status != PacketStatusOpen || !current.Expired(s.now()) {
					return nil
				}
				if err := tx.MarkPacketExpired(ctx, id); err != nil {
					return err
				}
				expired.inc()
				return nil
			})
			if err != nil {
				return fmt.Errorf("signatures: expire packet %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return expired.value(), err
	}
	return expired.value(), nil
}

type atomicCounter struct {
	n atomic.Int64
}

func (c *atomicCounter) inc() {
	c.n.Add(1)
}

func (c *atomicCounter) value() int {
	return int(c.n.Load())
}
