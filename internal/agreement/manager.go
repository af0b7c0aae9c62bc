// Package agreement implements the lifecycle state machine governing
// organization-to-organization trust relationships: which agents each
// side exposes, the shared channel key both parties encrypt with, and
// the transitions pending → active → suspended/revoked.
//
// This is the only component allowed to create, approve, suspend, or
// revoke the channel key the gateway depends on.
package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentc2/backend/internal/audit"
	"github.com/agentc2/backend/internal/crypto"
	"github.com/agentc2/backend/internal/store"
)

var (
	// ErrNotFound: agreement, org, or key material missing.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: caller is not a party / wrong responder.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState: status does not permit the requested transition.
	ErrInvalidState = errors.New("invalid state for requested transition")
	// ErrConflict: a pending/active agreement already links the pair.
	ErrConflict = errors.New("conflicting agreement already exists")
	// ErrKeysNotProvisioned: the org has no active signing key.
	ErrKeysNotProvisioned = errors.New("organization has no active signing key")
)

// validTransitions is the lifecycle transition table. revoked is
// terminal and therefore absent as a source state.
var validTransitions = map[store.AgreementStatus][]store.AgreementStatus{
	store.StatusPending:   {store.StatusActive, store.StatusRevoked},
	store.StatusActive:    {store.StatusSuspended, store.StatusRevoked},
	store.StatusSuspended: {store.StatusActive, store.StatusRevoked},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to store.AgreementStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Defaults applied at approval when the responder leaves them unset and
// no deployment override is configured.
const (
	DefaultMaxRequestsPerHour = 500
	DefaultMaxRequestsPerDay  = 5000
)

const DefaultDataClassification = store.ClassificationInternal

// Manager owns agreement lifecycle mutations and channel key access.
type Manager struct {
	store   store.Store
	master  *crypto.MasterKey
	auditor *audit.Logger
	now     func() time.Time

	// DefaultMaxRequestsPerHour/Day apply at approval when the responder
	// leaves the limits unset. Overridden from configuration at startup.
	DefaultMaxRequestsPerHour int
	DefaultMaxRequestsPerDay  int
}

// NewManager creates a lifecycle manager with the platform default
// limits.
func NewManager(s store.Store, master *crypto.MasterKey, auditor *audit.Logger) *Manager {
	return &Manager{
		store:                     s,
		master:                    master,
		auditor:                   auditor,
		now:                       time.Now,
		DefaultMaxRequestsPerHour: DefaultMaxRequestsPerHour,
		DefaultMaxRequestsPerDay:  DefaultMaxRequestsPerDay,
	}
}

// ConnectionRequest is the initiator's side of requestConnection.
type ConnectionRequest struct {
	TargetOrgSlug   string   `json:"targetOrgSlug"`
	ExposedAgentIDs []string `json:"exposedAgentIds"`
}

// ApprovalParams is the responder's side of approveConnection. Nil
// pointers keep the platform defaults.
type ApprovalParams struct {
	ExposedAgentIDs      []string                  `json:"exposedAgentIds"`
	MaxRequestsPerHour   *int                      `json:"maxRequestsPerHour,omitempty"`
	MaxRequestsPerDay    *int                      `json:"maxRequestsPerDay,omitempty"`
	DataClassification   *store.DataClassification `json:"dataClassification,omitempty"`
	RequireHumanApproval *bool                     `json:"requireHumanApproval,omitempty"`
}

// ConnectionView is one row of listConnections, annotated relative to
// the calling org.
type ConnectionView struct {
	Agreement          *store.FederationAgreement `json:"agreement"`
	Direction          string                     `json:"direction"` // "initiated" | "received"
	OwnExposures       int                        `json:"ownExposures"`
	CounterpartGranted int                        `json:"counterpartGranted"`
}

// RequestConnection creates a pending agreement from initiatorOrgID to
// the org identified by TargetOrgSlug, generating and wrapping a fresh
// channel key. The agreement and the initiator's exposures are created
// in one transaction.
func (m *Manager) RequestConnection(ctx context.Context, initiatorOrgID, requestedByUserID string, req ConnectionRequest) (*store.FederationAgreement, error) {
	target, err := m.store.GetOrgBySlug(ctx, req.TargetOrgSlug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: organization %q", ErrNotFound, req.TargetOrgSlug)
	}
	if err != nil {
		return nil, err
	}
	if !target.Active || target.ID == initiatorOrgID {
		return nil, fmt.Errorf("%w: target org is inactive or self", ErrInvalidState)
	}

	if _, err := m.store.FindOpenBetween(ctx, initiatorOrgID, target.ID); err == nil {
		return nil, fmt.Errorf("%w: between %s and %s", ErrConflict, initiatorOrgID, target.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	kp, err := m.store.ActiveKeyPair(ctx, initiatorOrgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeysNotProvisioned
	}
	if err != nil {
		return nil, err
	}

	channelKey, err := crypto.GenerateChannelKey()
	if err != nil {
		return nil, err
	}
	encChannelKey, err := m.master.EncryptChannelKey(channelKey, 1)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	ag := &store.FederationAgreement{
		ID:                  uuid.NewString(),
		InitiatorOrgID:      initiatorOrgID,
		ResponderOrgID:      target.ID,
		Status:              store.StatusPending,
		ChannelKeyEncrypted: encChannelKey,
		ChannelKeyVersion:   1,
		InitiatorKeyVersion: kp.KeyVersion,
		DataClassification:  DefaultDataClassification,
		CreatedAt:           now,
	}

	exposures, err := m.buildExposures(ctx, ag.ID, initiatorOrgID, req.ExposedAgentIDs, now)
	if err != nil {
		return nil, err
	}

	if err := m.store.CreateAgreement(ctx, ag, exposures); err != nil {
		return nil, fmt.Errorf("create agreement: %w", err)
	}

	m.auditor.WriteAsync(&store.AuditEntry{
		OrganizationID: initiatorOrgID,
		ActorType:      store.ActorUser,
		ActorID:        requestedByUserID,
		Action:         "federation.connection.requested",
		Resource:       ag.ID,
		Outcome:        store.OutcomeSuccess,
		Metadata:       audit.LifecycleMetadata(ag.ID, target.ID, ""),
	})

	slog.Info("federation connection requested",
		"agreement_id", ag.ID,
		"initiator_org_id", initiatorOrgID,
		"responder_org_id", target.ID)
	return ag, nil
}

// ApproveConnection activates a pending agreement. Writes one audit
// entry per organization so each side's log independently reflects the
// event. Also resumes a suspended agreement (suspended → active).
func (m *Manager) ApproveConnection(ctx context.Context, agreementID, responderOrgID, approvedByUserID string, params ApprovalParams) (*store.FederationAgreement, error) {
	ag, err := m.getAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if ag.ResponderOrgID != responderOrgID {
		return nil, fmt.Errorf("%w: org %s is not the responder", ErrForbidden, responderOrgID)
	}

	if !CanTransition(ag.Status, store.StatusActive) {
		return nil, fmt.Errorf("%w: agreement is %s, cannot activate", ErrInvalidState, ag.Status)
	}
	if ag.Status == store.StatusSuspended {
		return m.resume(ctx, ag, approvedByUserID)
	}

	kp, err := m.store.ActiveKeyPair(ctx, responderOrgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeysNotProvisioned
	}
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	ag.Status = store.StatusActive
	ag.ApprovedAt = &now
	ag.ResponderKeyVersion = kp.KeyVersion
	ag.MaxRequestsPerHour = m.DefaultMaxRequestsPerHour
	ag.MaxRequestsPerDay = m.DefaultMaxRequestsPerDay
	if params.MaxRequestsPerHour != nil {
		ag.MaxRequestsPerHour = *params.MaxRequestsPerHour
	}
	if params.MaxRequestsPerDay != nil {
		ag.MaxRequestsPerDay = *params.MaxRequestsPerDay
	}
	if params.DataClassification != nil {
		ag.DataClassification = *params.DataClassification
	} else if ag.DataClassification == "" {
		ag.DataClassification = DefaultDataClassification
	}
	if params.RequireHumanApproval != nil {
		ag.RequireHumanApproval = *params.RequireHumanApproval
	}

	exposures, err := m.buildExposures(ctx, ag.ID, responderOrgID, params.ExposedAgentIDs, now)
	if err != nil {
		return nil, err
	}

	// One store transaction: a failed exposure insert must not leave the
	// agreement active with no responder exposures.
	if err := m.store.ApproveAgreement(ctx, ag, exposures); err != nil {
		return nil, fmt.Errorf("approve agreement: %w", err)
	}

	m.auditor.WriteFederationPair(responderOrgID, ag.InitiatorOrgID, approvedByUserID,
		"federation.connection.approved", ag.ID, store.OutcomeSuccess,
		audit.LifecycleMetadata(ag.ID, ag.InitiatorOrgID, ""))

	slog.Info("federation connection approved",
		"agreement_id", ag.ID,
		"responder_org_id", responderOrgID)
	return ag, nil
}

// resume reverses a suspension (suspended → active).
func (m *Manager) resume(ctx context.Context, ag *store.FederationAgreement, byUserID string) (*store.FederationAgreement, error) {
	now := m.now().UTC()
	ag.Status = store.StatusActive
	ag.SuspendedReason = ""
	ag.SuspendedAt = nil
	ag.ApprovedAt = &now

	if err := m.store.UpdateAgreement(ctx, ag); err != nil {
		return nil, fmt.Errorf("update agreement: %w", err)
	}

	m.auditor.WriteFederationPair(ag.ResponderOrgID, ag.InitiatorOrgID, byUserID,
		"federation.connection.resumed", ag.ID, store.OutcomeSuccess,
		audit.LifecycleMetadata(ag.ID, ag.InitiatorOrgID, ""))

	slog.Info("federation connection resumed", "agreement_id", ag.ID)
	return ag, nil
}

// SuspendConnection moves an active agreement to suspended. The caller
// must be one of the two parties.
func (m *Manager) SuspendConnection(ctx context.Context, agreementID, callerOrgID, byUserID, reason string) error {
	ag, err := m.getAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	if !ag.IsParty(callerOrgID) {
		return fmt.Errorf("%w: org %s is not a party", ErrForbidden, callerOrgID)
	}
	if !CanTransition(ag.Status, store.StatusSuspended) {
		return fmt.Errorf("%w: agreement is %s, cannot suspend", ErrInvalidState, ag.Status)
	}

	now := m.now().UTC()
	ag.Status = store.StatusSuspended
	ag.SuspendedReason = reason
	ag.SuspendedAt = &now
	if err := m.store.UpdateAgreement(ctx, ag); err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}

	m.auditor.WriteAsync(&store.AuditEntry{
		OrganizationID: callerOrgID,
		ActorType:      store.ActorUser,
		ActorID:        byUserID,
		Action:         "federation.connection.suspended",
		Resource:       ag.ID,
		Outcome:        store.OutcomeSuccess,
		Metadata:       audit.LifecycleMetadata(ag.ID, ag.OtherParty(callerOrgID), reason),
	})

	slog.Warn("federation connection suspended",
		"agreement_id", ag.ID,
		"by_org_id", callerOrgID,
		"reason", reason)
	return nil
}

// RevokeConnection permanently terminates an agreement. Legal from any
// non-revoked state, including pending (withdraw before approval).
// Irreversible.
func (m *Manager) RevokeConnection(ctx context.Context, agreementID, callerOrgID, byUserID, reason string) error {
	ag, err := m.getAgreement(ctx, agreementID)
	if err != nil {
		return err
	}
	if !ag.IsParty(callerOrgID) {
		return fmt.Errorf("%w: org %s is not a party", ErrForbidden, callerOrgID)
	}
	if !CanTransition(ag.Status, store.StatusRevoked) {
		return fmt.Errorf("%w: agreement already revoked", ErrInvalidState)
	}

	now := m.now().UTC()
	ag.Status = store.StatusRevoked
	ag.RevokedReason = reason
	ag.RevokedAt = &now
	if err := m.store.UpdateAgreement(ctx, ag); err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}

	m.auditor.WriteAsync(&store.AuditEntry{
		OrganizationID: callerOrgID,
		ActorType:      store.ActorUser,
		ActorID:        byUserID,
		Action:         "federation.connection.revoked",
		Resource:       ag.ID,
		Outcome:        store.OutcomeSuccess,
		Metadata:       audit.LifecycleMetadata(ag.ID, ag.OtherParty(callerOrgID), reason),
	})

	slog.Warn("federation connection revoked",
		"agreement_id", ag.ID,
		"by_org_id", callerOrgID,
		"reason", reason)
	return nil
}

// AutoSuspend is the explicit internal capability the policy engine
// invokes when the circuit breaker trips. Idempotent: suspends only if
// the agreement is still active. Returns whether a transition happened.
func (m *Manager) AutoSuspend(ctx context.Context, agreementID, reason string) (bool, error) {
	ag, err := m.getAgreement(ctx, agreementID)
	if err != nil {
		return false, err
	}
	if !CanTransition(ag.Status, store.StatusSuspended) {
		return false, nil
	}

	now := m.now().UTC()
	ag.Status = store.StatusSuspended
	ag.SuspendedReason = reason
	ag.SuspendedAt = &now
	if err := m.store.UpdateAgreement(ctx, ag); err != nil {
		return false, fmt.Errorf("update agreement: %w", err)
	}

	slog.Warn("federation connection auto-suspended",
		"agreement_id", ag.ID,
		"reason", reason)
	return true, nil
}

// ListConnections returns every non-terminal agreement where the org is
// a party, annotated with direction and exposure counts per side.
func (m *Manager) ListConnections(ctx context.Context, orgID string) ([]*ConnectionView, error) {
	ags, err := m.store.ListAgreementsByOrg(ctx, orgID, []store.AgreementStatus{
		store.StatusPending, store.StatusActive, store.StatusSuspended,
	})
	if err != nil {
		return nil, err
	}

	views := make([]*ConnectionView, 0, len(ags))
	for _, ag := range ags {
		exposures, err := m.store.ListExposures(ctx, ag.ID)
		if err != nil {
			return nil, err
		}
		var own, granted int
		for _, exp := range exposures {
			if !exp.Enabled {
				continue
			}
			if exp.OwnerOrgID == orgID {
				own++
			} else {
				granted++
			}
		}
		direction := "received"
		if ag.InitiatorOrgID == orgID {
			direction = "initiated"
		}
		views = append(views, &ConnectionView{
			Agreement:          ag,
			Direction:          direction,
			OwnExposures:       own,
			CounterpartGranted: granted,
		})
	}
	return views, nil
}

// GetAgreement resolves an agreement by ID.
func (m *Manager) GetAgreement(ctx context.Context, agreementID string) (*store.FederationAgreement, error) {
	return m.getAgreement(ctx, agreementID)
}

// GetChannelKey returns the decrypted symmetric channel key only if the
// agreement is currently active; (nil, nil) otherwise. This is the sole
// gate preventing message encryption on a non-active agreement, and it
// is re-evaluated at the encryption step so a concurrent suspension is
// observed rather than raced past.
func (m *Manager) GetChannelKey(ctx context.Context, agreementID string) ([]byte, error) {
	ag, err := m.getAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if ag.Status != store.StatusActive {
		return nil, nil
	}
	key, err := m.master.DecryptChannelKey(ag.ChannelKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("unwrap channel key for %s: %w", agreementID, err)
	}
	return key, nil
}

// ProvisionOrgKeys creates the org's first signing key pair (version 1).
// Fails with ErrConflict if an active key already exists.
func (m *Manager) ProvisionOrgKeys(ctx context.Context, orgID string) (*store.OrgKeyPair, error) {
	if _, err := m.store.ActiveKeyPair(ctx, orgID); err == nil {
		return nil, fmt.Errorf("%w: org %s already has an active key", ErrConflict, orgID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return m.createKeyPair(ctx, orgID, 1)
}

// RotateOrgKeys retires the current active key and provisions the next
// version. Old versions stay verifiable.
func (m *Manager) RotateOrgKeys(ctx context.Context, orgID string) (*store.OrgKeyPair, error) {
	current, err := m.store.ActiveKeyPair(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeysNotProvisioned
	}
	if err != nil {
		return nil, err
	}
	if err := m.store.RetireActiveKeyPair(ctx, orgID); err != nil {
		return nil, err
	}
	return m.createKeyPair(ctx, orgID, current.KeyVersion+1)
}

func (m *Manager) createKeyPair(ctx context.Context, orgID string, version int) (*store.OrgKeyPair, error) {
	pair, err := m.master.GenerateEncryptedKeyPair(version)
	if err != nil {
		return nil, err
	}
	kp := &store.OrgKeyPair{
		ID:                  uuid.NewString(),
		OrgID:               orgID,
		KeyVersion:          version,
		PublicKey:           pair.PublicKey,
		EncryptedPrivateKey: pair.EncryptedPrivateKey,
		Active:              true,
		CreatedAt:           m.now().UTC(),
	}
	if err := m.store.CreateKeyPair(ctx, kp); err != nil {
		return nil, fmt.Errorf("create key pair: %w", err)
	}
	slog.Info("org signing key provisioned", "org_id", orgID, "key_version", version)
	return kp, nil
}

// buildExposures validates agent ownership and materializes exposure
// rows for the owning side.
func (m *Manager) buildExposures(ctx context.Context, agreementID, ownerOrgID string, agentIDs []string, now time.Time) ([]*store.FederationExposure, error) {
	exposures := make([]*store.FederationExposure, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		agent, err := m.store.GetAgent(ctx, agentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: agent %q", ErrNotFound, agentID)
		}
		if err != nil {
			return nil, err
		}
		if agent.OrgID != ownerOrgID {
			return nil, fmt.Errorf("%w: agent %q is not owned by org %s", ErrForbidden, agentID, ownerOrgID)
		}
		exposures = append(exposures, &store.FederationExposure{
			ID:          uuid.NewString(),
			AgreementID: agreementID,
			OwnerOrgID:  ownerOrgID,
			AgentID:     agentID,
			Enabled:     true,
			CreatedAt:   now,
		})
	}
	return exposures, nil
}

func (m *Manager) getAgreement(ctx context.Context, agreementID string) (*store.FederationAgreement, error) {
	ag, err := m.store.GetAgreement(ctx, agreementID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: agreement %q", ErrNotFound, agreementID)
	}
	if err != nil {
		return nil, err
	}
	return ag, nil
}
