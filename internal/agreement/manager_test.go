package agreement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentc2/backend/internal/audit"
	"github.com/agentc2/backend/internal/crypto"
	"github.com/agentc2/backend/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	master  *crypto.MasterKey
	auditor *audit.Logger
	manager *Manager

	orgA *store.Organization
	orgB *store.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	master, err := crypto.NewMasterKey("manager-test-master-secret-value")
	require.NoError(t, err)

	s := store.NewMemoryStore()
	auditor := audit.NewLogger(s, 64, nil)
	t.Cleanup(auditor.Close)

	f := &fixture{
		store:   s,
		master:  master,
		auditor: auditor,
		manager: NewManager(s, master, auditor),
	}
	f.orgA = f.seedOrg(t, "org-a", true)
	f.orgB = f.seedOrg(t, "org-b", true)

	ctx := context.Background()
	_, err = f.manager.ProvisionOrgKeys(ctx, f.orgA.ID)
	require.NoError(t, err)
	_, err = f.manager.ProvisionOrgKeys(ctx, f.orgB.ID)
	require.NoError(t, err)
	return f
}

func (f *fixture) seedOrg(t *testing.T, slug string, active bool) *store.Organization {
	t.Helper()
	org := &store.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      slug,
		Active:    active,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateOrg(context.Background(), org))
	return org
}

func (f *fixture) seedAgent(t *testing.T, orgID, slug string) *store.Agent {
	t.Helper()
	agent := &store.Agent{
		ID:      uuid.NewString(),
		OrgID:   orgID,
		Slug:    slug,
		Name:    slug,
		Enabled: true,
	}
	require.NoError(t, f.store.CreateAgent(context.Background(), agent))
	return agent
}

func (f *fixture) connect(t *testing.T) *store.FederationAgreement {
	t.Helper()
	ag, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug: f.orgB.Slug,
	})
	require.NoError(t, err)
	return ag
}

func (f *fixture) activate(t *testing.T) *store.FederationAgreement {
	t.Helper()
	ag := f.connect(t)
	ag, err := f.manager.ApproveConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", ApprovalParams{})
	require.NoError(t, err)
	return ag
}

// ============================================================================
// STATE MACHINE
// ============================================================================

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(store.StatusPending, store.StatusActive))
	assert.True(t, CanTransition(store.StatusPending, store.StatusRevoked))
	assert.True(t, CanTransition(store.StatusActive, store.StatusSuspended))
	assert.True(t, CanTransition(store.StatusActive, store.StatusRevoked))
	assert.True(t, CanTransition(store.StatusSuspended, store.StatusActive))
	assert.True(t, CanTransition(store.StatusSuspended, store.StatusRevoked))

	assert.False(t, CanTransition(store.StatusPending, store.StatusSuspended))
	assert.False(t, CanTransition(store.StatusRevoked, store.StatusActive), "revoked is terminal")
	assert.False(t, CanTransition(store.StatusRevoked, store.StatusPending))
	assert.False(t, CanTransition(store.StatusActive, store.StatusPending))
}

// ============================================================================
// REQUEST CONNECTION
// ============================================================================

func TestRequestConnection(t *testing.T) {
	f := newFixture(t)
	agent := f.seedAgent(t, f.orgA.ID, "billing-bot")

	ag, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug:   f.orgB.Slug,
		ExposedAgentIDs: []string{agent.ID},
	})
	require.NoError(t, err)

	assert.Equal(t, store.StatusPending, ag.Status)
	assert.Equal(t, f.orgA.ID, ag.InitiatorOrgID)
	assert.Equal(t, f.orgB.ID, ag.ResponderOrgID)
	require.NotNil(t, ag.ChannelKeyEncrypted, "channel key is generated at request time")
	assert.Equal(t, 1, ag.ChannelKeyVersion)
	assert.Equal(t, 1, ag.InitiatorKeyVersion)

	exposures, err := f.store.ListExposures(context.Background(), ag.ID)
	require.NoError(t, err)
	require.Len(t, exposures, 1)
	assert.Equal(t, f.orgA.ID, exposures[0].OwnerOrgID)
}

func TestRequestConnection_UnknownOrg(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug: "no-such-org",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestConnection_SelfConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug: f.orgA.Slug,
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRequestConnection_InactiveTarget(t *testing.T) {
	f := newFixture(t)
	inactive := f.seedOrg(t, "dormant", false)
	_, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug: inactive.Slug,
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRequestConnection_DuplicateEitherDirection(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	_, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug: f.orgB.Slug,
	})
	assert.ErrorIs(t, err, ErrConflict)

	// Reverse direction conflicts too.
	_, err = f.manager.RequestConnection(context.Background(), f.orgB.ID, "user-b", ConnectionRequest{
		TargetOrgSlug: f.orgA.Slug,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRequestConnection_AfterRevokeAllowed(t *testing.T) {
	f := newFixture(t)
	ag := f.connect(t)
	require.NoError(t, f.manager.RevokeConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "withdrawn"))

	// A revoked agreement does not block a fresh connection.
	_, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug: f.orgB.Slug,
	})
	assert.NoError(t, err)
}

func TestRequestConnection_NoKeysProvisioned(t *testing.T) {
	f := newFixture(t)
	keyless := f.seedOrg(t, "keyless", true)

	_, err := f.manager.RequestConnection(context.Background(), keyless.ID, "user-x", ConnectionRequest{
		TargetOrgSlug: f.orgB.Slug,
	})
	assert.ErrorIs(t, err, ErrKeysNotProvisioned)
}

func TestRequestConnection_ForeignAgentRejected(t *testing.T) {
	f := newFixture(t)
	theirAgent := f.seedAgent(t, f.orgB.ID, "their-bot")

	_, err := f.manager.RequestConnection(context.Background(), f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug:   f.orgB.Slug,
		ExposedAgentIDs: []string{theirAgent.ID},
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

// ============================================================================
// APPROVE / SUSPEND / REVOKE
// ============================================================================

func TestApproveConnection(t *testing.T) {
	f := newFixture(t)
	agent := f.seedAgent(t, f.orgB.ID, "support-bot")
	ag := f.connect(t)

	hourly := 100
	approved, err := f.manager.ApproveConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", ApprovalParams{
		ExposedAgentIDs:    []string{agent.ID},
		MaxRequestsPerHour: &hourly,
	})
	require.NoError(t, err)

	assert.Equal(t, store.StatusActive, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, 100, approved.MaxRequestsPerHour)
	assert.Equal(t, DefaultMaxRequestsPerDay, approved.MaxRequestsPerDay)
	assert.Equal(t, DefaultDataClassification, approved.DataClassification)
	assert.Equal(t, 1, approved.ResponderKeyVersion)

	exposures, err := f.store.ListExposures(context.Background(), ag.ID)
	require.NoError(t, err)
	assert.Len(t, exposures, 1)
}

func TestApproveConnection_WrongOrg(t *testing.T) {
	f := newFixture(t)
	ag := f.connect(t)

	// The initiator cannot approve its own request.
	_, err := f.manager.ApproveConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", ApprovalParams{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestApproveConnection_NotPending(t *testing.T) {
	f := newFixture(t)
	ag := f.activate(t)

	_, err := f.manager.ApproveConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", ApprovalParams{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestApproveConnection_ResumesSuspended(t *testing.T) {
	f := newFixture(t)
	ag := f.activate(t)
	require.NoError(t, f.manager.SuspendConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "maintenance"))

	resumed, err := f.manager.ApproveConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", ApprovalParams{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, resumed.Status)
	assert.Empty(t, resumed.SuspendedReason)
	assert.Nil(t, resumed.SuspendedAt)
}

func TestApproveConnection_ConfiguredDefaultLimits(t *testing.T) {
	f := newFixture(t)
	f.manager.DefaultMaxRequestsPerHour = 42
	f.manager.DefaultMaxRequestsPerDay = 1234
	ag := f.connect(t)

	approved, err := f.manager.ApproveConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", ApprovalParams{})
	require.NoError(t, err)
	assert.Equal(t, 42, approved.MaxRequestsPerHour)
	assert.Equal(t, 1234, approved.MaxRequestsPerDay)
}

// approveFailStore simulates a storage outage at approval time.
type approveFailStore struct {
	store.Store
	fail bool
}

func (s *approveFailStore) ApproveAgreement(ctx context.Context, ag *store.FederationAgreement, exposures []*store.FederationExposure) error {
	if s.fail {
		return errors.New("storage offline")
	}
	return s.Store.ApproveAgreement(ctx, ag, exposures)
}

func TestApproveConnection_FailedApprovalLeavesPending(t *testing.T) {
	f := newFixture(t)
	agent := f.seedAgent(t, f.orgB.ID, "support-bot")
	ag := f.connect(t)
	ctx := context.Background()

	failing := &approveFailStore{Store: f.store, fail: true}
	manager := NewManager(failing, f.master, f.auditor)

	_, err := manager.ApproveConnection(ctx, ag.ID, f.orgB.ID, "user-b", ApprovalParams{
		ExposedAgentIDs: []string{agent.ID},
	})
	require.Error(t, err)

	// Not half-approved: still pending with no responder exposures.
	got, err := f.store.GetAgreement(ctx, ag.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	exposures, err := f.store.ListExposures(ctx, ag.ID)
	require.NoError(t, err)
	assert.Empty(t, exposures)

	// Once storage recovers, the same approval goes through.
	failing.fail = false
	approved, err := manager.ApproveConnection(ctx, ag.ID, f.orgB.ID, "user-b", ApprovalParams{
		ExposedAgentIDs: []string{agent.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, approved.Status)
	exposures, err = f.store.ListExposures(ctx, ag.ID)
	require.NoError(t, err)
	assert.Len(t, exposures, 1)
}

func TestSuspendConnection(t *testing.T) {
	f := newFixture(t)
	ag := f.activate(t)

	err := f.manager.SuspendConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", "incident response")
	require.NoError(t, err)

	got, err := f.store.GetAgreement(context.Background(), ag.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, got.Status)
	assert.Equal(t, "incident response", got.SuspendedReason)
	assert.NotNil(t, got.SuspendedAt)
}

func TestSuspendConnection_RequiresActive(t *testing.T) {
	f := newFixture(t)
	ag := f.connect(t)

	err := f.manager.SuspendConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "x")
	assert.ErrorIs(t, err, ErrInvalidState, "pending cannot be suspended")
}

func TestSuspendConnection_NonPartyRejected(t *testing.T) {
	f := newFixture(t)
	stranger := f.seedOrg(t, "stranger", true)
	ag := f.activate(t)

	err := f.manager.SuspendConnection(context.Background(), ag.ID, stranger.ID, "user-x", "x")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRevokeConnection_Terminal(t *testing.T) {
	f := newFixture(t)
	ag := f.activate(t)

	require.NoError(t, f.manager.RevokeConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "trust withdrawn"))

	got, err := f.store.GetAgreement(context.Background(), ag.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, got.Status)
	assert.Equal(t, "trust withdrawn", got.RevokedReason)

	// No way out of revoked.
	err = f.manager.RevokeConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "again")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.manager.ApproveConnection(context.Background(), ag.ID, f.orgB.ID, "user-b", ApprovalParams{})
	assert.ErrorIs(t, err, ErrInvalidState)
	err = f.manager.SuspendConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "x")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRevokeConnection_FromPending(t *testing.T) {
	f := newFixture(t)
	ag := f.connect(t)

	// Withdrawing a request before approval is legal.
	assert.NoError(t, f.manager.RevokeConnection(context.Background(), ag.ID, f.orgA.ID, "user-a", "changed my mind"))
}

// ============================================================================
// AUTO-SUSPEND
// ============================================================================

func TestAutoSuspend(t *testing.T) {
	f := newFixture(t)
	ag := f.activate(t)

	transitioned, err := f.manager.AutoSuspend(context.Background(), ag.ID, "circuit breaker tripped")
	require.NoError(t, err)
	assert.True(t, transitioned)

	got, err := f.store.GetAgreement(context.Background(), ag.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, got.Status)

	// Second trip on the same agreement is a no-op.
	transitioned, err = f.manager.AutoSuspend(context.Background(), ag.ID, "again")
	require.NoError(t, err)
	assert.False(t, transitioned)
}

// ============================================================================
// CHANNEL KEY
// ============================================================================

func TestGetChannelKey_OnlyWhenActive(t *testing.T) {
	f := newFixture(t)
	ag := f.connect(t)
	ctx := context.Background()

	key, err := f.manager.GetChannelKey(ctx, ag.ID)
	require.NoError(t, err)
	assert.Nil(t, key, "pending agreement exposes no channel key")

	_, err = f.manager.ApproveConnection(ctx, ag.ID, f.orgB.ID, "user-b", ApprovalParams{})
	require.NoError(t, err)

	key, err = f.manager.GetChannelKey(ctx, ag.ID)
	require.NoError(t, err)
	require.Len(t, key, crypto.ChannelKeySize)

	require.NoError(t, f.manager.SuspendConnection(ctx, ag.ID, f.orgA.ID, "user-a", "x"))
	key, err = f.manager.GetChannelKey(ctx, ag.ID)
	require.NoError(t, err)
	assert.Nil(t, key, "suspension cuts off the channel key")
}

// ============================================================================
// KEY PROVISIONING
// ============================================================================

func TestProvisionOrgKeys_Conflict(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.ProvisionOrgKeys(context.Background(), f.orgA.ID)
	assert.ErrorIs(t, err, ErrConflict, "fixture already provisioned v1")
}

func TestRotateOrgKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kp2, err := f.manager.RotateOrgKeys(ctx, f.orgA.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, kp2.KeyVersion)

	active, err := f.store.ActiveKeyPair(ctx, f.orgA.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.KeyVersion)

	// v1 remains readable for historical signature verification.
	v1, err := f.store.KeyPairVersion(ctx, f.orgA.ID, 1)
	require.NoError(t, err)
	assert.False(t, v1.Active)
}

// ============================================================================
// LIST CONNECTIONS
// ============================================================================

func TestListConnections(t *testing.T) {
	f := newFixture(t)
	agentA := f.seedAgent(t, f.orgA.ID, "bot-a")
	agentB := f.seedAgent(t, f.orgB.ID, "bot-b")
	ctx := context.Background()

	ag, err := f.manager.RequestConnection(ctx, f.orgA.ID, "user-a", ConnectionRequest{
		TargetOrgSlug:   f.orgB.Slug,
		ExposedAgentIDs: []string{agentA.ID},
	})
	require.NoError(t, err)
	_, err = f.manager.ApproveConnection(ctx, ag.ID, f.orgB.ID, "user-b", ApprovalParams{
		ExposedAgentIDs: []string{agentB.ID},
	})
	require.NoError(t, err)

	viewsA, err := f.manager.ListConnections(ctx, f.orgA.ID)
	require.NoError(t, err)
	require.Len(t, viewsA, 1)
	assert.Equal(t, "initiated", viewsA[0].Direction)
	assert.Equal(t, 1, viewsA[0].OwnExposures)
	assert.Equal(t, 1, viewsA[0].CounterpartGranted)

	viewsB, err := f.manager.ListConnections(ctx, f.orgB.ID)
	require.NoError(t, err)
	require.Len(t, viewsB, 1)
	assert.Equal(t, "received", viewsB[0].Direction)

	// Revoked agreements drop out of the listing.
	require.NoError(t, f.manager.RevokeConnection(ctx, ag.ID, f.orgA.ID, "user-a", "done"))
	viewsA, err = f.manager.ListConnections(ctx, f.orgA.ID)
	require.NoError(t, err)
	assert.Empty(t, viewsA)
}
