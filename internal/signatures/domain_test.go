package signatures

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func rec(role Role, status RecordStatus) SignatureRecord {
	return SignatureRecord{ID: uuid.New(), Role: role, Status: status}
}

func TestRequiredRolesSatisfied(t *testing.T) {
	required := []Role{RoleParentGuardian, RoleCaseManager}

	cases := []struct {
		name    string
		records []SignatureRecord
		want    bool
	}{
		{
			name:    "no records",
			records: nil,
			want:    false,
		},
		{
			name: "all required roles signed",
			records: []SignatureRecord{
				rec(RoleParentGuardian, RecordStatusSigned),
				rec(RoleCaseManager, RecordStatusSigned),
			},
			want: true,
		},
		{
			name: "one required role missing",
			records: []SignatureRecord{
				rec(RoleParentGuardian, RecordStatusSigned),
			},
			want: false,
		},
		{
			name: "pending record for required role blocks",
			records: []SignatureRecord{
				rec(RoleParentGuardian, RecordStatusSigned),
				rec(RoleCaseManager, RecordStatusSigned),
				rec(RoleCaseManager, RecordStatusPending),
			},
			want: false,
		},
		{
			name: "declined record for required role blocks",
			records: []SignatureRecord{
				rec(RoleParentGuardian, RecordStatusDeclined),
				rec(RoleCaseManager, RecordStatusSigned),
			},
			want: false,
		},
		{
			name: "pending record outside required set never blocks",
			records: []SignatureRecord{
				rec(RoleParentGuardian, RecordStatusSigned),
				rec(RoleCaseManager, RecordStatusSigned),
				rec(RoleStudent, RecordStatusPending),
			},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, RequiredRolesSatisfied(required, tc.records))
		})
	}
}

func TestRequiredRolesSatisfiedEmptyRequiredSet(t *testing.T) {
	require.True(t, RequiredRolesSatisfied(nil, nil))
}

func TestOpenPacketInputValidateRejectsDuplicateRoles(t *testing.T) {
	in := OpenPacketInput{
		PlanVersionID: uuid.New(),
		CreatedBy:     uuid.New(),
		RequiredRoles: []Role{RoleParentGuardian, RoleParentGuardian},
	}
	require.Error(t, in.Validate())
}

func TestOpenPacketInputValidateRejectsEmptyRoles(t *testing.T) {
	in := OpenPacketInput{PlanVersionID: uuid.New(), CreatedBy: uuid.New()}
	require.ErrorIs(t, in.Validate(), ErrRolesRequired)
}

func TestOpenPacketInputValidateRejectsUnknownRole(t *testing.T) {
	in := OpenPacketInput{
		PlanVersionID: uuid.New(),
		CreatedBy:     uuid.New(),
		RequiredRoles: []Role{Role("PRINCIPAL_DANCER")},
	}
	require.Error(t, in.Validate())
}

func TestSignInputValidateRequiresAttestation(t *testing.T) {
	in := SignInput{
		PacketID: uuid.New(),
		RecordID: uuid.New(),
		Method:   MethodElectronic,
	}
	require.ErrorIs(t, in.Validate(), ErrAttestationRequired)

	in.Attestation = true
	require.NoError(t, in.Validate())
}

func TestSignInputValidateRejectsUnknownMethod(t *testing.T) {
	in := SignInput{
		PacketID:    uuid.New(),
		RecordID:    uuid.New(),
		Method:      Method("CARRIER_PIGEON"),
		Attestation: true,
	}
	require.Error(t, in.Validate())
}
