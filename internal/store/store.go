package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("record not found")

// OrgStore resolves organizations.
type OrgStore interface {
	GetOrg(ctx context.Context, id string) (*Organization, error)
	GetOrgBySlug(ctx context.Context, slug string) (*Organization, error)
	CreateOrg(ctx context.Context, org *Organization) error
}

// AgentStore resolves agents.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentBySlug(ctx context.Context, orgID, slug string) (*Agent, error)
	CreateAgent(ctx context.Context, agent *Agent) error
}

// KeyStore manages versioned org signing key pairs. Older versions are
// never deleted; they back verification of historical signatures.
type KeyStore interface {
	// ActiveKeyPair returns the org's current signing key, or
	// ErrNotFound when the org has no active key provisioned.
	ActiveKeyPair(ctx context.Context, orgID string) (*OrgKeyPair, error)

	// KeyPairVersion returns a specific historical key version.
	KeyPairVersion(ctx context.Context, orgID string, version int) (*OrgKeyPair, error)

	CreateKeyPair(ctx context.Context, kp *OrgKeyPair) error

	// RetireActiveKeyPair marks the org's active key inactive ahead of
	// rotation. No-op when the org has no active key.
	RetireActiveKeyPair(ctx context.Context, orgID string) error
}

// AgreementStore persists federation agreements.
type AgreementStore interface {
	// CreateAgreement atomically creates an agreement together with its
	// initial exposures (one transaction).
	CreateAgreement(ctx context.Context, ag *FederationAgreement, exposures []*FederationExposure) error

	GetAgreement(ctx context.Context, id string) (*FederationAgreement, error)

	// FindOpenBetween returns an agreement with status pending or active
	// linking the two orgs in either direction, or ErrNotFound.
	FindOpenBetween(ctx context.Context, orgA, orgB string) (*FederationAgreement, error)

	UpdateAgreement(ctx context.Context, ag *FederationAgreement) error

	// ApproveAgreement atomically persists the approval mutation together
	// with the responder's exposures (one transaction). A failure leaves
	// the agreement untouched so the approval can be retried.
	ApproveAgreement(ctx context.Context, ag *FederationAgreement, exposures []*FederationExposure) error

	// ListAgreementsByOrg returns agreements where the org is either
	// party, filtered to the given statuses.
	ListAgreementsByOrg(ctx context.Context, orgID string, statuses []AgreementStatus) ([]*FederationAgreement, error)
}

// ExposureStore persists per-agreement capability grants.
type ExposureStore interface {
	CreateExposures(ctx context.Context, exposures []*FederationExposure) error
	ListExposures(ctx context.Context, agreementID string) ([]*FederationExposure, error)
}

// MessageStore persists the append-only encrypted message record.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *FederationMessage) error
	GetMessage(ctx context.Context, id string) (*FederationMessage, error)
}

// AuditStore persists write-once audit entries.
type AuditStore interface {
	InsertAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)
}

// Store aggregates every durable concern the gateway needs.
type Store interface {
	OrgStore
	AgentStore
	KeyStore
	AgreementStore
	ExposureStore
	MessageStore
	AuditStore
}
