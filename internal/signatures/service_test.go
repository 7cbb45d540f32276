package signatures

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sagepath/sagepath/internal/shared"
)

type memorySignatureRepo struct {
	// The expiry sweep runs transactions concurrently, so the shared
	// maps need the same serialization a real database would provide.
	mu       sync.Mutex
	versions map[uuid.UUID]bool
	packets  map[uuid.UUID]SignaturePacket
	records  map[uuid.UUID]SignatureRecord
	seq      int
}

func newMemorySignatureRepo() *memorySignatureRepo {
	return &memorySignatureRepo{
		versions: make(map[uuid.UUID]bool),
		packets:  make(map[uuid.UUID]SignaturePacket),
		records:  make(map[uuid.UUID]SignatureRecord),
	}
}

func (r *memorySignatureRepo) addVersion() uuid.UUID {
	id := uuid.New()
	r.versions[id] = true
	return id
}

func (r *memorySignatureRepo) packetRecords(packetID uuid.UUID) []SignatureRecord {
	var out []SignatureRecord
	for _, rec := range r.records {
		if rec.PacketID == packetID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memorySignatureRepo) GetPacket(ctx context.Context, packetID uuid.UUID) (SignaturePacket, []SignatureRecord, error) {
	p, ok := r.packets[packetID]
	if !ok {
		return SignaturePacket{}, nil, ErrPacketNotFound
	}
	return p, r.packetRecords(packetID), nil
}

func (r *memorySignatureRepo) GetPacketForVersion(ctx context.Context, planVersionID uuid.UUID) (SignaturePacket, []SignatureRecord, error) {
	for _, p := range r.packets {
		if p.PlanVersionID == planVersionID {
			return p, r.packetRecords(p.ID), nil
		}
	}
	return SignaturePacket{}, nil, ErrPacketNotFound
}

func (r *memorySignatureRepo) ListDueOpenPackets(ctx context.Context, asOf time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, p := range r.packets {
		if p.Status == PacketStatusOpen && p.ExpiresAt != nil && p.ExpiresAt.Before(asOf) {
			ids = append(ids, p.ID)
		}
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memorySignatureRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memorySignatureTx{repo: r})
}

type memorySignatureTx struct {
	repo *memorySignatureRepo
}

func (t *memorySignatureTx) VersionExists(ctx context.Context, planVersionID uuid.UUID) (bool, error) {
	return t.repo.versions[planVersionID], nil
}

func (t *memorySignatureTx) InsertPacket(ctx context.Context, in OpenPacketInput) (SignaturePacket, error) {
	for _, p := range t.repo.packets {
		if p.PlanVersionID == in.PlanVersionID {
			return SignaturePacket{}, ErrPacketExists
		}
	}
	p := SignaturePacket{
		ID:            uuid.New(),
		PlanVersionID: in.PlanVersionID,
		Status:        PacketStatusOpen,
		RequiredRoles: append([]Role(nil), in.RequiredRoles...),
		ExpiresAt:     in.ExpiresAt,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     time.Now(),
	}
	t.repo.packets[p.ID] = p
	return p, nil
}

func (t *memorySignatureTx) InsertRecord(ctx context.Context, packetID uuid.UUID, signer SignerInput) (SignatureRecord, error) {
	t.repo.seq++
	rec := SignatureRecord{
		ID:           uuid.New(),
		PacketID:     packetID,
		Role:         signer.Role,
		SignerUserID: signer.SignerUserID,
		SignerName:   signer.SignerName,
		SignerEmail:  signer.SignerEmail,
		SignerTitle:  signer.SignerTitle,
		Status:       RecordStatusPending,
		CreatedAt:    time.Unix(int64(t.repo.seq), 0),
	}
	t.repo.records[rec.ID] = rec
	return rec, nil
}

func (t *memorySignatureTx) GetPacketForUpdate(ctx context.Context, packetID uuid.UUID) (SignaturePacket, error) {
	p, ok := t.repo.packets[packetID]
	if !ok {
		return SignaturePacket{}, ErrPacketNotFound
	}
	return p, nil
}

func (t *memorySignatureTx) GetRecordForUpdate(ctx context.Context, recordID uuid.UUID) (SignatureRecord, error) {
	rec, ok := t.repo.records[recordID]
	if !ok {
		return SignatureRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (t *memorySignatureTx) ListRecords(ctx context.Context, packetID uuid.UUID) ([]SignatureRecord, error) {
	return t.repo.packetRecords(packetID), nil
}

func (t *memorySignatureTx) MarkSigned(ctx context.Context, recordID uuid.UUID, method Method, signerName, attestation, ipAddress string, at time.Time) error {
	rec, ok := t.repo.records[recordID]
	if !ok || rec.Status != RecordStatusPending {
		return ErrRecordNotPending
	}
	rec.Status = RecordStatusSigned
	rec.Method = &method
	rec.SignerName = signerName
	rec.AttestationText = attestation
	rec.IPAddress = ipAddress
	rec.SignedAt = &at
	t.repo.records[recordID] = rec
	return nil
}

func (t *memorySignatureTx) MarkDeclined(ctx context.Context, recordID uuid.UUID, reason string, at time.Time) error {
	rec, ok := t.repo.records[recordID]
	if !ok || rec.Status != RecordStatusPending {
		return ErrRecordNotPending
	}
	rec.Status = RecordStatusDeclined
	rec.DeclineReason = reason
	rec.DeclinedAt = &at
	t.repo.records[recordID] = rec
	return nil
}

func (t *memorySignatureTx) MarkPacketComplete(ctx context.Context, packetID uuid.UUID, at time.Time) error {
	p, ok := t.repo.packets[packetID]
	if !ok || p.Status != PacketStatusOpen {
		return ErrPacketNotOpen
	}
	p.Status = PacketStatusComplete
	p.CompletedAt = &at
	t.repo.packets[packetID] = p
	return nil
}

func (t *memorySignatureTx) MarkPacketExpired(ctx context.Context, packetID uuid.UUID) error {
	p, ok := t.repo.packets[packetID]
	if !ok || p.Status != PacketStatusOpen {
		return ErrPacketNotOpen
	}
	p.Status = PacketStatusExpired
	t.repo.packets[packetID] = p
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func openTestPacket(t *testing.T, svc *Service, repo *memorySignatureRepo, roles []Role, expiresAt *time.Time) (SignaturePacket, []SignatureRecord) {
	t.Helper()
	versionID := repo.addVersion()
	signers := make([]SignerInput, 0, len(roles))
	for _, role := range roles {
		signers = append(signers, SignerInput{Role: role, SignerName: "Signer " + string(role)})
	}
	packet, records, err := svc.OpenPacket(context.Background(), OpenPacketInput{
		PlanVersionID:  versionID,
		RequiredRoles:  roles,
		ExpiresAt:      expiresAt,
		CreatedBy:      uuid.New(),
		InitialSigners: signers,
	})
	require.NoError(t, err)
	return packet, records
}

func TestOpenPacketCreatesPendingRecords(t *testing.T) {
	repo := newMemorySignatureRepo()
	audit := &memoryAudit{}
	svc := NewService(repo, audit)

	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian, RoleCaseManager}, nil)
	require.Equal(t, PacketStatusOpen, packet.Status)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.Equal(t, RecordStatusPending, rec.Status)
	}
	require.Len(t, audit.logs, 1)
	require.Equal(t, "packet.open", audit.logs[0].Action)
}

func TestOpenPacketUnknownVersion(t *testing.T) {
	svc := NewService(newMemorySignatureRepo(), nil)
	_, _, err := svc.OpenPacket(context.Background(), OpenPacketInput{
		PlanVersionID: uuid.New(),
		RequiredRoles: []Role{RoleParentGuardian},
		CreatedBy:     uuid.New(),
	})
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestOpenPacketRejectsSecondPacketForVersion(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, _ := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, nil)

	_, _, err := svc.OpenPacket(context.Background(), OpenPacketInput{
		PlanVersionID: packet.PlanVersionID,
		RequiredRoles: []Role{RoleCaseManager},
		CreatedBy:     uuid.New(),
	})
	require.ErrorIs(t, err, ErrPacketExists)
}

func TestSignCompletesPacketWhenRequiredRolesSatisfied(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian, RoleCaseManager}, nil)

	first, complete, err := svc.Sign(context.Background(), SignInput{
		PacketID:    packet.ID,
		RecordID:    records[0].ID,
		Method:      MethodElectronic,
		Attestation: true,
	})
	require.NoError(t, err)
	require.False(t, complete)
	require.Equal(t, RecordStatusSigned, first.Status)
	require.NotNil(t, first.SignedAt)
	require.NotEmpty(t, first.AttestationText)

	_, complete, err = svc.Sign(context.Background(), SignInput{
		PacketID:    packet.ID,
		RecordID:    records[1].ID,
		Method:      MethodInPerson,
		Attestation: true,
	})
	require.NoError(t, err)
	require.True(t, complete)

	stored := repo.packets[packet.ID]
	require.Equal(t, PacketStatusComplete, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestSignRejectsAlreadySignedRecord(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian, RoleCaseManager}, nil)

	in := SignInput{PacketID: packet.ID, RecordID: records[0].ID, Method: MethodElectronic, Attestation: true}
	_, _, err := svc.Sign(context.Background(), in)
	require.NoError(t, err)

	_, _, err = svc.Sign(context.Background(), in)
	require.ErrorIs(t, err, ErrRecordNotPending)
}

func TestSignRejectsRecordFromAnotherPacket(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packetA, _ := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, nil)
	_, recordsB := openTestPacket(t, svc, repo, []Role{RoleCaseManager}, nil)

	_, _, err := svc.Sign(context.Background(), SignInput{
		PacketID:    packetA.ID,
		RecordID:    recordsB[0].ID,
		Method:      MethodElectronic,
		Attestation: true,
	})
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSignAfterDeadlineExpiresPacket(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	deadline := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, &deadline)

	svc.WithNow(func() time.Time { return deadline.Add(time.Hour) })
	_, _, err := svc.Sign(context.Background(), SignInput{
		PacketID:    packet.ID,
		RecordID:    records[0].ID,
		Method:      MethodElectronic,
		Attestation: true,
	})
	require.ErrorIs(t, err, ErrPacketNotOpen)
	require.Equal(t, PacketStatusExpired, repo.packets[packet.ID].Status)
	// The record never transitioned.
	require.Equal(t, RecordStatusPending, repo.records[records[0].ID].Status)
}

func TestDeclineBlocksCompletion(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian, RoleCaseManager}, nil)

	declined, err := svc.Decline(context.Background(), DeclineInput{
		PacketID: packet.ID,
		RecordID: records[0].ID,
		Reason:   "disagree with placement",
	})
	require.NoError(t, err)
	require.Equal(t, RecordStatusDeclined, declined.Status)
	require.Equal(t, "disagree with placement", declined.DeclineReason)

	// Signing the remaining required role must not complete the packet.
	_, complete, err := svc.Sign(context.Background(), SignInput{
		PacketID:    packet.ID,
		RecordID:    records[1].ID,
		Method:      MethodElectronic,
		Attestation: true,
	})
	require.NoError(t, err)
	require.False(t, complete)
	require.Equal(t, PacketStatusOpen, repo.packets[packet.ID].Status)
}

func TestDeclineRequiresReason(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, nil)

	_, err := svc.Decline(context.Background(), DeclineInput{PacketID: packet.ID, RecordID: records[0].ID, Reason: " "})
	require.ErrorIs(t, err, ErrDeclineReasonRequired)
}

func TestAddRecordOnOpenPacket(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, _ := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, nil)

	record, err := svc.AddRecord(context.Background(), AddRecordInput{
		PacketID:   packet.ID,
		Role:       RoleStudent,
		SignerName: "Jordan Diaz",
	})
	require.NoError(t, err)
	require.Equal(t, RecordStatusPending, record.Status)
	require.Equal(t, RoleStudent, record.Role)
}

func TestAddRecordRejectedAfterCompletion(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, records := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, nil)

	_, complete, err := svc.Sign(context.Background(), SignInput{
		PacketID:    packet.ID,
		RecordID:    records[0].ID,
		Method:      MethodElectronic,
		Attestation: true,
	})
	require.NoError(t, err)
	require.True(t, complete)

	_, err = svc.AddRecord(context.Background(), AddRecordInput{
		PacketID:   packet.ID,
		Role:       RoleStudent,
		SignerName: "Jordan Diaz",
	})
	require.ErrorIs(t, err, ErrPacketNotOpen)
}

func TestGetPacketLazilyExpires(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	deadline := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	packet, _ := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, &deadline)

	svc.WithNow(func() time.Time { return deadline.Add(time.Minute) })
	got, _, err := svc.GetPacket(context.Background(), packet.ID)
	require.NoError(t, err)
	require.Equal(t, PacketStatusExpired, got.Status)
	require.Equal(t, PacketStatusExpired, repo.packets[packet.ID].Status)
}

func TestExpireDueSweepIsIdempotent(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, &past)
	openTestPacket(t, svc, repo, []Role{RoleCaseManager}, &past)
	fresh, _ := openTestPacket(t, svc, repo, []Role{RoleStudent}, &future)

	svc.WithNow(func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) })

	count, err := svc.ExpireDue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, PacketStatusOpen, repo.packets[fresh.ID].Status)

	count, err = svc.ExpireDue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestExplicitExpireRejectsNonOpenPacket(t *testing.T) {
	repo := newMemorySignatureRepo()
	svc := NewService(repo, nil)
	packet, _ := openTestPacket(t, svc, repo, []Role{RoleParentGuardian}, nil)

	expired, err := svc.Expire(context.Background(), packet.ID)
	require.NoError(t, err)
	require.Equal(t, PacketStatusExpired, expired.Status)

	_, err = svc.Expire(context.Background(), packet.ID)
	require.ErrorIs(t, err, ErrPacketNotOpen)
}
