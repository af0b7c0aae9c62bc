package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore is the production Store implementation backed by
// Postgres via database/sql + lib/pq. Encrypted blobs and audit
// metadata are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB. The caller owns the
// connection pool lifecycle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetOrg(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, active, created_at FROM organizations WHERE id = $1`, id)
	return scanOrg(row)
}

func (s *PostgresStore) GetOrgBySlug(ctx context.Context, slug string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, active, created_at FROM organizations WHERE slug = $1`, slug)
	return scanOrg(row)
}

func (s *PostgresStore) CreateOrg(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, slug, name, active, created_at) VALUES ($1, $2, $3, $4, $5)`,
		org.ID, org.Slug, org.Name, org.Active, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func scanOrg(row *sql.Row) (*Organization, error) {
	var org Organization
	err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.Active, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	return &org, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, slug, name, description, skills, data_classification,
		        rate_limit_per_hour, enabled, created_at
		   FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

func (s *PostgresStore) GetAgentBySlug(ctx context.Context, orgID, slug string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, slug, name, description, skills, data_classification,
		        rate_limit_per_hour, enabled, created_at
		   FROM agents WHERE org_id = $1 AND slug = $2`, orgID, slug)
	return scanAgent(row)
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, org_id, slug, name, description, skills,
		        data_classification, rate_limit_per_hour, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		agent.ID, agent.OrgID, agent.Slug, agent.Name, agent.Description,
		pq.Array(agent.Skills), string(agent.DataClassification),
		agent.RateLimitPerHour, agent.Enabled, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var classification string
	err := row.Scan(&a.ID, &a.OrgID, &a.Slug, &a.Name, &a.Description,
		pq.Array(&a.Skills), &classification, &a.RateLimitPerHour, &a.Enabled, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.DataClassification = DataClassification(classification)
	return &a, nil
}

func (s *PostgresStore) ActiveKeyPair(ctx context.Context, orgID string) (*OrgKeyPair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, key_version, public_key, encrypted_private_key, active, created_at
		   FROM org_key_pairs WHERE org_id = $1 AND active ORDER BY key_version DESC LIMIT 1`, orgID)
	return scanKeyPair(row)
}

func (s *PostgresStore) KeyPairVersion(ctx context.Context, orgID string, version int) (*OrgKeyPair, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, key_version, public_key, encrypted_private_key, active, created_at
		   FROM org_key_pairs WHERE org_id = $1 AND key_version = $2`, orgID, version)
	return scanKeyPair(row)
}

func (s *PostgresStore) CreateKeyPair(ctx context.Context, kp *OrgKeyPair) error {
	blob, err := json.Marshal(kp.EncryptedPrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key blob: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO org_key_pairs (id, org_id, key_version, public_key, encrypted_private_key, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		kp.ID, kp.OrgID, kp.KeyVersion, kp.PublicKey, blob, kp.Active, kp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key pair: %w", err)
	}
	return nil
}

func (s *PostgresStore) RetireActiveKeyPair(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE org_key_pairs SET active = FALSE WHERE org_id = $1 AND active`, orgID)
	if err != nil {
		return fmt.Errorf("retire key pair: %w", err)
	}
	return nil
}

func scanKeyPair(row *sql.Row) (*OrgKeyPair, error) {
	var kp OrgKeyPair
	var blob []byte
	err := row.Scan(&kp.ID, &kp.OrgID, &kp.KeyVersion, &kp.PublicKey, &blob, &kp.Active, &kp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan key pair: %w", err)
	}
	if err := json.Unmarshal(blob, &kp.EncryptedPrivateKey); err != nil {
		return nil, fmt.Errorf("unmarshal private key blob: %w", err)
	}
	return &kp, nil
}

const agreementColumns = `id, initiator_org_id, responder_org_id, status, channel_key_encrypted,
	channel_key_version, initiator_key_version, responder_key_version,
	max_requests_per_hour, max_requests_per_day, data_classification,
	require_human_approval, suspended_reason, revoked_reason,
	created_at, approved_at, suspended_at, revoked_at`

func (s *PostgresStore) CreateAgreement(ctx context.Context, ag *FederationAgreement, exposures []*FederationExposure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	chBlob, err := json.Marshal(ag.ChannelKeyEncrypted)
	if err != nil {
		return fmt.Errorf("marshal channel key blob: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO federation_agreements (`+agreementColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		ag.ID, ag.InitiatorOrgID, ag.ResponderOrgID, string(ag.Status), chBlob,
		ag.ChannelKeyVersion, ag.InitiatorKeyVersion, ag.ResponderKeyVersion,
		ag.MaxRequestsPerHour, ag.MaxRequestsPerDay, string(ag.DataClassification),
		ag.RequireHumanApproval, ag.SuspendedReason, ag.RevokedReason,
		ag.CreatedAt, ag.ApprovedAt, ag.SuspendedAt, ag.RevokedAt)
	if err != nil {
		return fmt.Errorf("insert agreement: %w", err)
	}

	for _, exp := range exposures {
		if err := insertExposure(ctx, tx, exp); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetAgreement(ctx context.Context, id string) (*FederationAgreement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM federation_agreements WHERE id = $1`, id)
	return scanAgreement(row)
}

func (s *PostgresStore) FindOpenBetween(ctx context.Context, orgA, orgB string) (*FederationAgreement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agreementColumns+` FROM federation_agreements
		  WHERE status = ANY($1)
		    AND ((initiator_org_id = $2 AND responder_org_id = $3)
		      OR (initiator_org_id = $3 AND responder_org_id = $2))
		  LIMIT 1`,
		pq.Array([]string{string(StatusPending), string(StatusActive)}), orgA, orgB)
	return scanAgreement(row)
}

func (s *PostgresStore) UpdateAgreement(ctx context.Context, ag *FederationAgreement) error {
	return updateAgreement(ctx, s.db, ag)
}

// ApproveAgreement runs the approval mutation and the responder's
// exposure inserts in one transaction so a failure leaves the agreement
// pending and retryable.
func (s *PostgresStore) ApproveAgreement(ctx context.Context, ag *FederationAgreement, exposures []*FederationExposure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateAgreement(ctx, tx, ag); err != nil {
		return err
	}
	for _, exp := range exposures {
		if err := insertExposure(ctx, tx, exp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func updateAgreement(ctx context.Context, ex execer, ag *FederationAgreement) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE federation_agreements SET
		    status = $2, responder_key_version = $3, max_requests_per_hour = $4,
		    max_requests_per_day = $5, data_classification = $6,
		    require_human_approval = $7, suspended_reason = $8, revoked_reason = $9,
		    approved_at = $10, suspended_at = $11, revoked_at = $12
		  WHERE id = $1`,
		ag.ID, string(ag.Status), ag.ResponderKeyVersion, ag.MaxRequestsPerHour,
		ag.MaxRequestsPerDay, string(ag.DataClassification), ag.RequireHumanApproval,
		ag.SuspendedReason, ag.RevokedReason, ag.ApprovedAt, ag.SuspendedAt, ag.RevokedAt)
	if err != nil {
		return fmt.Errorf("update agreement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAgreementsByOrg(ctx context.Context, orgID string, statuses []AgreementStatus) ([]*FederationAgreement, error) {
	var strs []string
	for _, st := range statuses {
		strs = append(strs, string(st))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agreementColumns+` FROM federation_agreements
		  WHERE (initiator_org_id = $1 OR responder_org_id = $1)
		    AND ($2::text[] IS NULL OR status = ANY($2))
		  ORDER BY created_at`,
		orgID, pq.Array(strs))
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	defer rows.Close()

	var out []*FederationAgreement
	for rows.Next() {
		ag, err := scanAgreementRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ag)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgreement(row *sql.Row) (*FederationAgreement, error) {
	ag, err := scanAgreementFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return ag, err
}

func scanAgreementRows(rows *sql.Rows) (*FederationAgreement, error) {
	return scanAgreementFrom(rows)
}

func scanAgreementFrom(r rowScanner) (*FederationAgreement, error) {
	var ag FederationAgreement
	var status, classification string
	var chBlob []byte
	err := r.Scan(&ag.ID, &ag.InitiatorOrgID, &ag.ResponderOrgID, &status, &chBlob,
		&ag.ChannelKeyVersion, &ag.InitiatorKeyVersion, &ag.ResponderKeyVersion,
		&ag.MaxRequestsPerHour, &ag.MaxRequestsPerDay, &classification,
		&ag.RequireHumanApproval, &ag.SuspendedReason, &ag.RevokedReason,
		&ag.CreatedAt, &ag.ApprovedAt, &ag.SuspendedAt, &ag.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan agreement: %w", err)
	}
	ag.Status = AgreementStatus(status)
	ag.DataClassification = DataClassification(classification)
	if err := json.Unmarshal(chBlob, &ag.ChannelKeyEncrypted); err != nil {
		return nil, fmt.Errorf("unmarshal channel key blob: %w", err)
	}
	return &ag, nil
}

func (s *PostgresStore) CreateExposures(ctx context.Context, exposures []*FederationExposure) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, exp := range exposures {
		if err := insertExposure(ctx, tx, exp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertExposure(ctx context.Context, tx *sql.Tx, exp *FederationExposure) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO federation_exposures (id, agreement_id, owner_org_id, agent_id,
		        enabled, max_requests_per_hour, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		exp.ID, exp.AgreementID, exp.OwnerOrgID, exp.AgentID,
		exp.Enabled, exp.MaxRequestsPerHour, exp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert exposure: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExposures(ctx context.Context, agreementID string) ([]*FederationExposure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agreement_id, owner_org_id, agent_id, enabled, max_requests_per_hour, created_at
		   FROM federation_exposures WHERE agreement_id = $1 ORDER BY created_at`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("list exposures: %w", err)
	}
	defer rows.Close()

	var out []*FederationExposure
	for rows.Next() {
		var exp FederationExposure
		if err := rows.Scan(&exp.ID, &exp.AgreementID, &exp.OwnerOrgID, &exp.AgentID,
			&exp.Enabled, &exp.MaxRequestsPerHour, &exp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exposure: %w", err)
		}
		out = append(out, &exp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg *FederationMessage) error {
	blob, err := json.Marshal(msg.EncryptedContent)
	if err != nil {
		return fmt.Errorf("marshal message content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO federation_messages (id, agreement_id, conversation_id, direction,
		        source_org_id, source_agent_slug, target_org_id, target_agent_slug,
		        encrypted_content, sender_signature, sender_key_version, policy_result,
		        latency_ms, input_tokens, output_tokens, cost_usd, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		msg.ID, msg.AgreementID, msg.ConversationID, string(msg.Direction),
		msg.SourceOrgID, msg.SourceAgentSlug, msg.TargetOrgID, msg.TargetAgentSlug,
		blob, msg.SenderSignature, msg.SenderKeyVersion, msg.PolicyResult,
		msg.LatencyMs, msg.InputTokens, msg.OutputTokens, msg.CostUSD, msg.RunID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*FederationMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agreement_id, conversation_id, direction, source_org_id,
		        source_agent_slug, target_org_id, target_agent_slug, encrypted_content,
		        sender_signature, sender_key_version, policy_result, latency_ms,
		        input_tokens, output_tokens, cost_usd, run_id, created_at
		   FROM federation_messages WHERE id = $1`, id)

	var msg FederationMessage
	var direction string
	var blob []byte
	err := row.Scan(&msg.ID, &msg.AgreementID, &msg.ConversationID, &direction,
		&msg.SourceOrgID, &msg.SourceAgentSlug, &msg.TargetOrgID, &msg.TargetAgentSlug,
		&blob, &msg.SenderSignature, &msg.SenderKeyVersion, &msg.PolicyResult,
		&msg.LatencyMs, &msg.InputTokens, &msg.OutputTokens, &msg.CostUSD, &msg.RunID, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Direction = MessageDirection(direction)
	if err := json.Unmarshal(blob, &msg.EncryptedContent); err != nil {
		return nil, fmt.Errorf("unmarshal message content: %w", err)
	}
	return &msg, nil
}

func (s *PostgresStore) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, organization_id, actor_type, actor_id, actor_org_id,
		        action, resource, outcome, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.OrganizationID, string(entry.ActorType), entry.ActorID,
		entry.ActorOrgID, entry.Action, entry.Resource, string(entry.Outcome),
		meta, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.OrganizationID != "" {
		add("organization_id = $%d", q.OrganizationID)
	}
	if q.Action != "" {
		add("action LIKE $%d", q.Action+"%")
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.Outcome != "" {
		add("outcome = $%d", string(q.Outcome))
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at <= $%d", *q.To)
	}

	query := `SELECT id, organization_id, actor_type, actor_id, actor_org_id,
	                 action, resource, outcome, metadata, created_at
	            FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actorType, outcome string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &actorType, &e.ActorID, &e.ActorOrgID,
			&e.Action, &e.Resource, &outcome, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorType = ActorType(actorType)
		e.Outcome = AuditOutcome(outcome)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Schema returns the DDL for the gateway's tables. Applied by
// cmd/server at startup when AGENTC2_AUTO_MIGRATE is set.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	slug       TEXT UNIQUE NOT NULL,
	name       TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id                  TEXT PRIMARY KEY,
	org_id              TEXT NOT NULL REFERENCES organizations(id),
	slug                TEXT NOT NULL,
	name                TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	skills              TEXT[] NOT NULL DEFAULT '{}',
	data_classification TEXT NOT NULL DEFAULT 'internal',
	rate_limit_per_hour INTEGER NOT NULL DEFAULT 0,
	enabled             BOOLEAN NOT NULL DEFAULT TRUE,
	created_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (org_id, slug)
);

CREATE TABLE IF NOT EXISTS org_key_pairs (
	id                    TEXT PRIMARY KEY,
	org_id                TEXT NOT NULL REFERENCES organizations(id),
	key_version           INTEGER NOT NULL,
	public_key            BYTEA NOT NULL,
	encrypted_private_key JSONB NOT NULL,
	active                BOOLEAN NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	UNIQUE (org_id, key_version)
);

CREATE TABLE IF NOT EXISTS federation_agreements (
	id                     TEXT PRIMARY KEY,
	initiator_org_id       TEXT NOT NULL REFERENCES organizations(id),
	responder_org_id       TEXT NOT NULL REFERENCES organizations(id),
	status                 TEXT NOT NULL,
	channel_key_encrypted  JSONB NOT NULL,
	channel_key_version    INTEGER NOT NULL,
	initiator_key_version  INTEGER NOT NULL DEFAULT 0,
	responder_key_version  INTEGER NOT NULL DEFAULT 0,
	max_requests_per_hour  INTEGER NOT NULL DEFAULT 0,
	max_requests_per_day   INTEGER NOT NULL DEFAULT 0,
	data_classification    TEXT NOT NULL DEFAULT 'internal',
	require_human_approval BOOLEAN NOT NULL DEFAULT FALSE,
	suspended_reason       TEXT NOT NULL DEFAULT '',
	revoked_reason         TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL,
	approved_at            TIMESTAMPTZ,
	suspended_at           TIMESTAMPTZ,
	revoked_at             TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS federation_exposures (
	id                    TEXT PRIMARY KEY,
	agreement_id          TEXT NOT NULL REFERENCES federation_agreements(id),
	owner_org_id          TEXT NOT NULL REFERENCES organizations(id),
	agent_id              TEXT NOT NULL REFERENCES agents(id),
	enabled               BOOLEAN NOT NULL DEFAULT TRUE,
	max_requests_per_hour INTEGER,
	created_at            TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS federation_messages (
	id                 TEXT PRIMARY KEY,
	agreement_id       TEXT NOT NULL REFERENCES federation_agreements(id),
	conversation_id    TEXT NOT NULL,
	direction          TEXT NOT NULL,
	source_org_id      TEXT NOT NULL,
	source_agent_slug  TEXT NOT NULL DEFAULT '',
	target_org_id      TEXT NOT NULL,
	target_agent_slug  TEXT NOT NULL,
	encrypted_content  JSONB NOT NULL,
	sender_signature   BYTEA,
	sender_key_version INTEGER NOT NULL DEFAULT 0,
	policy_result      TEXT NOT NULL DEFAULT '',
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	run_id             TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON federation_messages (conversation_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	actor_type      TEXT NOT NULL,
	actor_id        TEXT NOT NULL DEFAULT '',
	actor_org_id    TEXT NOT NULL DEFAULT '',
	action          TEXT NOT NULL,
	resource        TEXT NOT NULL DEFAULT '',
	outcome         TEXT NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_org_action ON audit_log (organization_id, action);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log (created_at);
`
}

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
