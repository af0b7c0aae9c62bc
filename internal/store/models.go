// Package store defines the durable data model of the federation trust
// gateway and the abstract store interfaces the rest of the system is
// written against. Two implementations ship in-tree: an in-memory store
// for dev/test and a Postgres store for production.
package store

import (
	"time"

	"github.com/agentc2/backend/internal/crypto"
)

// AgreementStatus is the lifecycle state of a federation agreement.
type AgreementStatus string

const (
	StatusPending   AgreementStatus = "pending"
	StatusActive    AgreementStatus = "active"
	StatusSuspended AgreementStatus = "suspended"
	StatusRevoked   AgreementStatus = "revoked"
)

// DataClassification is the sensitivity label governing content
// filtering on an agreement's channel.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "public"
	ClassificationInternal     DataClassification = "internal"
	ClassificationConfidential DataClassification = "confidential"
	ClassificationRestricted   DataClassification = "restricted"
)

// MessageDirection records which party sent a message leg.
type MessageDirection string

const (
	DirectionInitiatorToResponder MessageDirection = "initiator_to_responder"
	DirectionResponderToInitiator MessageDirection = "responder_to_initiator"
)

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorUser            ActorType = "user"
	ActorAgent           ActorType = "agent"
	ActorSystem          ActorType = "system"
	ActorFederationAgent ActorType = "federation_agent"
)

// AuditOutcome is the result class of an audited action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// Organization is a tenant that can participate in federation.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Agent is an invocable agent owned by one organization. Card fields
// (Skills, DataClassification, RateLimitPerHour) feed the capability
// descriptors published to federation counterparts.
type Agent struct {
	ID                 string             `json:"id"`
	OrgID              string             `json:"orgId"`
	Slug               string             `json:"slug"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Skills             []string           `json:"skills,omitempty"`
	DataClassification DataClassification `json:"dataClassification,omitempty"`
	RateLimitPerHour   int                `json:"rateLimitPerHour,omitempty"`
	Enabled            bool               `json:"enabled"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// OrgKeyPair is one version of an organization's asymmetric signing key.
// The private half is always stored wrapped under the platform master
// key. Old versions stay in the store so historical signatures remain
// verifiable after rotation.
type OrgKeyPair struct {
	ID                  string                `json:"id"`
	OrgID               string                `json:"orgId"`
	KeyVersion          int                   `json:"keyVersion"`
	PublicKey           []byte                `json:"publicKey"`
	EncryptedPrivateKey *crypto.EncryptedBlob `json:"-"`
	Active              bool                  `json:"active"`
	CreatedAt           time.Time             `json:"createdAt"`
}

// FederationAgreement is the trust relationship between exactly two
// organizations, carrying the shared channel key and the policy limits
// that govern traffic on it. Never physically deleted.
type FederationAgreement struct {
	ID                   string                `json:"id"`
	InitiatorOrgID       string                `json:"initiatorOrgId"`
	ResponderOrgID       string                `json:"responderOrgId"`
	Status               AgreementStatus       `json:"status"`
	ChannelKeyEncrypted  *crypto.EncryptedBlob `json:"-"`
	ChannelKeyVersion    int                   `json:"channelKeyVersion"`
	InitiatorKeyVersion  int                   `json:"initiatorKeyVersion"`
	ResponderKeyVersion  int                   `json:"responderKeyVersion"`
	MaxRequestsPerHour   int                   `json:"maxRequestsPerHour"`
	MaxRequestsPerDay    int                   `json:"maxRequestsPerDay"`
	DataClassification   DataClassification    `json:"dataClassification"`
	RequireHumanApproval bool                  `json:"requireHumanApproval"`
	SuspendedReason      string                `json:"suspendedReason,omitempty"`
	RevokedReason        string                `json:"revokedReason,omitempty"`
	CreatedAt            time.Time             `json:"createdAt"`
	ApprovedAt           *time.Time            `json:"approvedAt,omitempty"`
	SuspendedAt          *time.Time            `json:"suspendedAt,omitempty"`
	RevokedAt            *time.Time            `json:"revokedAt,omitempty"`
}

// OtherParty returns the counterpart org for one of the agreement's two
// parties, or "" if orgID is not a party.
func (a *FederationAgreement) OtherParty(orgID string) string {
	switch orgID {
	case a.InitiatorOrgID:
		return a.ResponderOrgID
	case a.ResponderOrgID:
		return a.InitiatorOrgID
	default:
		return ""
	}
}

// IsParty reports whether orgID is one of the agreement's two parties.
func (a *FederationAgreement) IsParty(orgID string) bool {
	return orgID == a.InitiatorOrgID || orgID == a.ResponderOrgID
}

// FederationExposure is a capability grant: ownerOrg agreeing to let the
// agreement's counterpart invoke one specific local agent.
type FederationExposure struct {
	ID                 string    `json:"id"`
	AgreementID        string    `json:"agreementId"`
	OwnerOrgID         string    `json:"ownerOrgId"`
	AgentID            string    `json:"agentId"`
	Enabled            bool      `json:"enabled"`
	MaxRequestsPerHour *int      `json:"maxRequestsPerHour,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// FederationMessage is one leg (request or response) of an encrypted
// exchange. Immutable once written; the append-only record of everything
// that crossed the trust boundary.
type FederationMessage struct {
	ID               string                `json:"id"`
	AgreementID      string                `json:"agreementId"`
	ConversationID   string                `json:"conversationId"`
	Direction        MessageDirection      `json:"direction"`
	SourceOrgID      string                `json:"sourceOrgId"`
	SourceAgentSlug  string                `json:"sourceAgentSlug,omitempty"`
	TargetOrgID      string                `json:"targetOrgId"`
	TargetAgentSlug  string                `json:"targetAgentSlug,omitempty"`
	EncryptedContent *crypto.EncryptedBlob `json:"-"`
	SenderSignature  []byte                `json:"-"`
	SenderKeyVersion int                   `json:"senderKeyVersion"`
	PolicyResult     string                `json:"policyResult"`
	LatencyMs        int64                 `json:"latencyMs,omitempty"`
	InputTokens      int                   `json:"inputTokens,omitempty"`
	OutputTokens     int                   `json:"outputTokens,omitempty"`
	CostUSD          float64               `json:"costUsd,omitempty"`
	RunID            string                `json:"runId,omitempty"`
	CreatedAt        time.Time             `json:"createdAt"`
}

// AuditEntry is a write-once audit log record.
type AuditEntry struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organizationId"`
	ActorType      ActorType              `json:"actorType"`
	ActorID        string                 `json:"actorId,omitempty"`
	ActorOrgID     string                 `json:"actorOrgId,omitempty"`
	Action         string                 `json:"action"`
	Resource       string                 `json:"resource,omitempty"`
	Outcome        AuditOutcome           `json:"outcome"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
}

// AuditQuery filters audit log reads. Action is a prefix match.
type AuditQuery struct {
	OrganizationID string
	Action         string
	ActorID        string
	Outcome        AuditOutcome
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}
