package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store implementation for dev and tests.
// Values are copied on the way in and out so callers cannot mutate
// stored state behind the lock.
type MemoryStore struct {
	mu         sync.RWMutex
	orgs       map[string]*Organization
	agents     map[string]*Agent
	keyPairs   map[string][]*OrgKeyPair // orgID → versions
	agreements map[string]*FederationAgreement
	exposures  map[string][]*FederationExposure // agreementID → grants
	messages   map[string]*FederationMessage
	audit      []*AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:       make(map[string]*Organization),
		agents:     make(map[string]*Agent),
		keyPairs:   make(map[string][]*OrgKeyPair),
		agreements: make(map[string]*FederationAgreement),
		exposures:  make(map[string][]*FederationExposure),
		messages:   make(map[string]*FederationMessage),
	}
}

func (s *MemoryStore) GetOrg(ctx context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *MemoryStore) GetOrgBySlug(ctx context.Context, slug string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, org := range s.orgs {
		if org.Slug == slug {
			cp := *org
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateOrg(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) GetAgentBySlug(ctx context.Context, orgID, slug string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.agents {
		if agent.OrgID == orgID && agent.Slug == slug {
			cp := *agent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveKeyPair(ctx context.Context, orgID string) (*OrgKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kp := range s.keyPairs[orgID] {
		if kp.Active {
			cp := *kp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) KeyPairVersion(ctx context.Context, orgID string, version int) (*OrgKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, kp := range s.keyPairs[orgID] {
		if kp.KeyVersion == version {
			cp := *kp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateKeyPair(ctx context.Context, kp *OrgKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *kp
	s.keyPairs[kp.OrgID] = append(s.keyPairs[kp.OrgID], &cp)
	return nil
}

func (s *MemoryStore) RetireActiveKeyPair(ctx context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kp := range s.keyPairs[orgID] {
		kp.Active = false
	}
	return nil
}

func (s *MemoryStore) CreateAgreement(ctx context.Context, ag *FederationAgreement, exposures []*FederationExposure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ag
	s.agreements[ag.ID] = &cp
	for _, exp := range exposures {
		ecp := *exp
		s.exposures[exp.AgreementID] = append(s.exposures[exp.AgreementID], &ecp)
	}
	return nil
}

func (s *MemoryStore) GetAgreement(ctx context.Context, id string) (*FederationAgreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ag, ok := s.agreements[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ag
	return &cp, nil
}

func (s *MemoryStore) FindOpenBetween(ctx context.Context, orgA, orgB string) (*FederationAgreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ag := range s.agreements {
		if ag.Status != StatusPending && ag.Status != StatusActive {
			continue
		}
		if (ag.InitiatorOrgID == orgA && ag.ResponderOrgID == orgB) ||
			(ag.InitiatorOrgID == orgB && ag.ResponderOrgID == orgA) {
			cp := *ag
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateAgreement(ctx context.Context, ag *FederationAgreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agreements[ag.ID]; !ok {
		return ErrNotFound
	}
	cp := *ag
	s.agreements[ag.ID] = &cp
	return nil
}

func (s *MemoryStore) ApproveAgreement(ctx context.Context, ag *FederationAgreement, exposures []*FederationExposure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agreements[ag.ID]; !ok {
		return ErrNotFound
	}
	cp := *ag
	s.agreements[ag.ID] = &cp
	for _, exp := range exposures {
		ecp := *exp
		s.exposures[exp.AgreementID] = append(s.exposures[exp.AgreementID], &ecp)
	}
	return nil
}

func (s *MemoryStore) ListAgreementsByOrg(ctx context.Context, orgID string, statuses []AgreementStatus) ([]*FederationAgreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := make(map[AgreementStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}

	var out []*FederationAgreement
	for _, ag := range s.agreements {
		if !ag.IsParty(orgID) {
			continue
		}
		if len(statuses) > 0 && !allowed[ag.Status] {
			continue
		}
		cp := *ag
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateExposures(ctx context.Context, exposures []*FederationExposure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exp := range exposures {
		cp := *exp
		s.exposures[exp.AgreementID] = append(s.exposures[exp.AgreementID], &cp)
	}
	return nil
}

func (s *MemoryStore) ListExposures(ctx context.Context, agreementID string) ([]*FederationExposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exposures := s.exposures[agreementID]
	out := make([]*FederationExposure, 0, len(exposures))
	for _, exp := range exposures {
		cp := *exp
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *FederationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*FederationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*AuditEntry
	for _, e := range s.audit {
		if !auditMatches(e, q) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	// Newest first, mirroring the Postgres ORDER BY.
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func auditMatches(e *AuditEntry, q AuditQuery) bool {
	if q.OrganizationID != "" && e.OrganizationID != q.OrganizationID {
		return false
	}
	if q.Action != "" && !strings.HasPrefix(e.Action, q.Action) {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if q.From != nil && e.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && e.CreatedAt.After(*q.To) {
		return false
	}
	return true
}
