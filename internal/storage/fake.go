package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/revguard/revguard/pkg/models"
)

var (
	_ IssueRepo             = (*FakeIssueRepo)(nil)
	_ EntitlementRepo       = (*FakeEntitlementRepo)(nil)
	_ OrgRepo               = (*FakeOrgRepo)(nil)
	_ BillingConnectionRepo = (*FakeBillingConnectionRepo)(nil)
	_ WebhookLogRepo        = (*FakeWebhookLogRepo)(nil)
	_ CanonicalEventRepo    = (*FakeCanonicalEventRepo)(nil)
	_ IdentityRepo          = (*FakeIdentityRepo)(nil)
	_ ProductRepo           = (*FakeProductRepo)(nil)
	_ AlertConfigRepo       = (*FakeAlertConfigRepo)(nil)
	_ APIKeyRepo            = (*FakeAPIKeyRepo)(nil)
)

// FakeIssueRepo is an in-memory IssueRepo for unit tests that don't want
// a live Postgres instance, per the narrow-repository-interface design.
type FakeIssueRepo struct {
	mu     sync.Mutex
	open   map[string]*models.Issue // key: org/kind/dedup_key
	issues []models.Issue
}

// NewFakeIssueRepo returns an empty FakeIssueRepo.
func NewFakeIssueRepo() *FakeIssueRepo {
	return &FakeIssueRepo{open: make(map[string]*models.Issue)}
}

func (f *FakeIssueRepo) key(orgID uuid.UUID, kind models.IssueKind, dedup string) string {
	return orgID.String() + "/" + string(kind) + "/" + dedup
}

func (f *FakeIssueRepo) Open(ctx context.Context, issue *models.Issue) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := f.key(issue.OrgID, issue.Kind, issue.DedupKey)
	if _, exists := f.open[k]; exists {
		return false, nil
	}

	issue.ID = uuid.New()
	issue.Status = models.IssueOpen
	f.open[k] = issue
	f.issues = append(f.issues, *issue)
	return true, nil
}

func (f *FakeIssueRepo) Resolve(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, i := range f.open {
		if i.ID == id {
			delete(f.open, k)
		}
	}
	for i := range f.issues {
		if f.issues[i].ID == id {
			f.issues[i].Status = models.IssueResolved
		}
	}
	return nil
}

func (f *FakeIssueRepo) ListOpen(ctx context.Context, orgID uuid.UUID) ([]models.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Issue
	for _, i := range f.open {
		if i.OrgID == orgID {
			out = append(out, *i)
		}
	}
	return out, nil
}

func (f *FakeIssueRepo) CountOpenCritical(ctx context.Context, orgID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, i := range f.open {
		if i.OrgID == orgID && i.Severity == models.SeverityCritical {
			count++
		}
	}
	return count, nil
}

// FakeEntitlementRepo is an in-memory EntitlementRepo for state-machine tests.
type FakeEntitlementRepo struct {
	mu           sync.Mutex
	entitlements map[string]*models.Entitlement
	transitions  []models.StateTransition
}

// NewFakeEntitlementRepo returns an empty FakeEntitlementRepo.
func NewFakeEntitlementRepo() *FakeEntitlementRepo {
	return &FakeEntitlementRepo{entitlements: make(map[string]*models.Entitlement)}
}

func (f *FakeEntitlementRepo) key(orgID, userID, productID uuid.UUID, source models.Source) string {
	return orgID.String() + "/" + userID.String() + "/" + productID.String() + "/" + string(source)
}

func (f *FakeEntitlementRepo) Get(ctx context.Context, orgID, userID, productID uuid.UUID, source models.Source) (*models.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entitlements[f.key(orgID, userID, productID, source)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (f *FakeEntitlementRepo) GetOrCreate(ctx context.Context, orgID, userID, productID uuid.UUID, source models.Source, externalRef string) (*models.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(orgID, userID, productID, source)
	if e, ok := f.entitlements[k]; ok {
		clone := *e
		return &clone, nil
	}
	e := &models.Entitlement{
		ID:               uuid.New(),
		OrgID:            orgID,
		UserID:           userID,
		ProductID:        productID,
		Source:           source,
		ExternalRef:      externalRef,
		State:            models.StateInactive,
		LastTransitionAt: time.Now(),
		Version:          1,
	}
	f.entitlements[k] = e
	clone := *e
	return &clone, nil
}

func (f *FakeEntitlementRepo) Transition(ctx context.Context, e *models.Entitlement, newState models.EntitlementState, expiresAt *time.Time, causedBy *uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(e.OrgID, e.UserID, e.ProductID, e.Source)
	stored, ok := f.entitlements[k]
	if !ok || stored.Version != e.Version {
		return false, nil
	}

	stored.State = newState
	stored.ExpiresAt = expiresAt
	stored.LastTransitionAt = time.Now()
	stored.Version++

	f.transitions = append(f.transitions, models.StateTransition{
		EntitlementID: stored.ID,
		FromState:     e.State,
		ToState:       newState,
		CausedByEvent: causedBy,
		OccurredAt:    time.Now(),
	})

	e.State = newState
	e.ExpiresAt = expiresAt
	e.Version = stored.Version
	return true, nil
}

func (f *FakeEntitlementRepo) RecordTransition(ctx context.Context, t *models.StateTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, *t)
	return nil
}

func (f *FakeEntitlementRepo) ListByUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.Entitlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Entitlement
	for _, e := range f.entitlements {
		if e.OrgID == orgID && e.UserID == userID {
			out = append(out, *e)
		}
	}
	return out, nil
}

// FakeOrgRepo is an in-memory OrgRepo for handler and pipeline tests.
type FakeOrgRepo struct {
	mu   sync.Mutex
	orgs map[string]*models.Organization // key: slug
	byID map[uuid.UUID]*models.Organization
}

// NewFakeOrgRepo returns an empty FakeOrgRepo.
func NewFakeOrgRepo() *FakeOrgRepo {
	return &FakeOrgRepo{
		orgs: make(map[string]*models.Organization),
		byID: make(map[uuid.UUID]*models.Organization),
	}
}

// Seed registers an organization directly, bypassing Create.
func (f *FakeOrgRepo) Seed(o *models.Organization) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *o
	f.orgs[o.Slug] = &clone
	f.byID[o.ID] = &clone
}

func (f *FakeOrgRepo) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orgs[slug]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *o
	return &clone, nil
}

func (f *FakeOrgRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *o
	return &clone, nil
}

func (f *FakeOrgRepo) Create(ctx context.Context, slug, name string) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.orgs[slug]; exists {
		return nil, ErrDuplicate
	}
	o := &models.Organization{ID: uuid.New(), Slug: slug, Name: name, CreatedAt: time.Now()}
	f.orgs[slug] = o
	f.byID[o.ID] = o
	clone := *o
	return &clone, nil
}

func (f *FakeOrgRepo) ListAll(ctx context.Context) ([]models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Organization, 0, len(f.byID))
	for _, o := range f.byID {
		out = append(out, *o)
	}
	return out, nil
}

// FakeBillingConnectionRepo is an in-memory BillingConnectionRepo.
type FakeBillingConnectionRepo struct {
	mu    sync.Mutex
	conns map[string]*models.BillingConnection // key: org/source
}

// NewFakeBillingConnectionRepo returns an empty FakeBillingConnectionRepo.
func NewFakeBillingConnectionRepo() *FakeBillingConnectionRepo {
	return &FakeBillingConnectionRepo{conns: make(map[string]*models.BillingConnection)}
}

func (f *FakeBillingConnectionRepo) key(orgID uuid.UUID, source models.Source) string {
	return orgID.String() + "/" + string(source)
}

// Seed registers a billing connection directly.
func (f *FakeBillingConnectionRepo) Seed(c *models.BillingConnection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *c
	f.conns[f.key(c.OrgID, c.Source)] = &clone
}

func (f *FakeBillingConnectionRepo) Get(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.BillingConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[f.key(orgID, source)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (f *FakeBillingConnectionRepo) UpdateStatus(ctx context.Context, orgID uuid.UUID, source models.Source, status models.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[f.key(orgID, source)]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	return nil
}

// FakeWebhookLogRepo is an in-memory WebhookLogRepo.
type FakeWebhookLogRepo struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*models.WebhookLog
}

// NewFakeWebhookLogRepo returns an empty FakeWebhookLogRepo.
func NewFakeWebhookLogRepo() *FakeWebhookLogRepo {
	return &FakeWebhookLogRepo{logs: make(map[uuid.UUID]*models.WebhookLog)}
}

func (f *FakeWebhookLogRepo) Create(ctx context.Context, orgID uuid.UUID, source models.Source, headers map[string]string, body []byte) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.logs[id] = &models.WebhookLog{
		ID: id, OrgID: orgID, Source: source, ReceivedAt: time.Now(), BodySize: len(body),
	}
	return id, nil
}

func (f *FakeWebhookLogRepo) MarkSignatureResult(ctx context.Context, id uuid.UUID, ok bool, statusCode int, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, exists := f.logs[id]
	if !exists {
		return ErrNotFound
	}
	l.SignatureOK = ok
	l.StatusCode = statusCode
	l.Error = errMsg
	return nil
}

func (f *FakeWebhookLogRepo) MarkProcessed(ctx context.Context, id uuid.UUID, eventID *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, exists := f.logs[id]
	if !exists {
		return ErrNotFound
	}
	l.EventID = eventID
	return nil
}

func (f *FakeWebhookLogRepo) LastReceivedAt(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.WebhookLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.WebhookLog
	for _, l := range f.logs {
		if l.OrgID != orgID || l.Source != source {
			continue
		}
		if latest == nil || l.ReceivedAt.After(latest.ReceivedAt) {
			latest = l
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

// Get returns the stored log by id, for test assertions.
func (f *FakeWebhookLogRepo) Get(id uuid.UUID) (*models.WebhookLog, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return nil, false
	}
	clone := *l
	return &clone, true
}

// FakeCanonicalEventRepo is an in-memory CanonicalEventRepo.
type FakeCanonicalEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.CanonicalEvent
	byKey  map[string]uuid.UUID // org/idempotency_key
	userOf map[uuid.UUID]uuid.UUID
}

// NewFakeCanonicalEventRepo returns an empty FakeCanonicalEventRepo.
func NewFakeCanonicalEventRepo() *FakeCanonicalEventRepo {
	return &FakeCanonicalEventRepo{
		events: make(map[uuid.UUID]*models.CanonicalEvent),
		byKey:  make(map[string]uuid.UUID),
		userOf: make(map[uuid.UUID]uuid.UUID),
	}
}

// UserFor returns the user id SetUser most recently recorded for an event.
func (f *FakeCanonicalEventRepo) UserFor(eventID uuid.UUID) (uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.userOf[eventID]
	return id, ok
}

func (f *FakeCanonicalEventRepo) dedupKey(orgID uuid.UUID, key string) string {
	return orgID.String() + "/" + key
}

func (f *FakeCanonicalEventRepo) Insert(ctx context.Context, e *models.CanonicalEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.dedupKey(e.OrgID, e.IdempotencyKey)
	if _, exists := f.byKey[k]; exists {
		return ErrDuplicate
	}
	e.ID = uuid.New()
	e.ReceivedAt = time.Now()
	f.byKey[k] = e.ID
	clone := *e
	f.events[e.ID] = &clone
	return nil
}

func (f *FakeCanonicalEventRepo) SetUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[id]; !ok {
		return ErrNotFound
	}
	f.userOf[id] = userID
	return nil
}

func (f *FakeCanonicalEventRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	e.Processed = true
	e.ProcessedAt = &now
	return nil
}

func (f *FakeCanonicalEventRepo) GetByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*models.CanonicalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[f.dedupKey(orgID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *f.events[id]
	return &clone, nil
}

func (f *FakeCanonicalEventRepo) LastReceivedAt(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.CanonicalEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.CanonicalEvent
	for _, e := range f.events {
		if e.OrgID != orgID || e.Source != source {
			continue
		}
		if latest == nil || e.ReceivedAt.After(latest.ReceivedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

// FakeIdentityRepo is an in-memory IdentityRepo for resolver tests.
type FakeIdentityRepo struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*models.User
	identities []models.UserIdentity
}

// NewFakeIdentityRepo returns an empty FakeIdentityRepo.
func NewFakeIdentityRepo() *FakeIdentityRepo {
	return &FakeIdentityRepo{users: make(map[uuid.UUID]*models.User)}
}

func (f *FakeIdentityRepo) FindUserIDs(ctx context.Context, orgID uuid.UUID, source models.Source, idType, externalID string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, ui := range f.identities {
		if ui.OrgID != orgID || ui.Source != source || ui.ExternalID != externalID {
			continue
		}
		if u, ok := f.users[ui.UserID]; !ok || u.MergedInto != nil {
			continue
		}
		if !seen[ui.UserID] {
			seen[ui.UserID] = true
			ids = append(ids, ui.UserID)
		}
	}
	return ids, nil
}

func (f *FakeIdentityRepo) FindByExternalIDAny(ctx context.Context, orgID uuid.UUID, externalID string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, ui := range f.identities {
		if ui.OrgID != orgID || ui.ExternalID != externalID {
			continue
		}
		if u, ok := f.users[ui.UserID]; !ok || u.MergedInto != nil {
			continue
		}
		if !seen[ui.UserID] {
			seen[ui.UserID] = true
			ids = append(ids, ui.UserID)
		}
	}
	return ids, nil
}

func (f *FakeIdentityRepo) CreateUser(ctx context.Context, orgID uuid.UUID, email *string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &models.User{ID: uuid.New(), OrgID: orgID, Email: email, CreatedAt: time.Now()}
	f.users[u.ID] = u
	clone := *u
	return &clone, nil
}

func (f *FakeIdentityRepo) LinkIdentity(ctx context.Context, userID, orgID uuid.UUID, source models.Source, idType, externalID string, email *string, method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[userID]; !ok {
		return ErrNotFound
	}
	f.identities = append(f.identities, models.UserIdentity{
		ID: uuid.New(), UserID: userID, OrgID: orgID, Source: source,
		ExternalID: externalID, Email: email,
	})
	return nil
}

func (f *FakeIdentityRepo) MergeUsers(ctx context.Context, survivorID, loserID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	survivor, ok := f.users[survivorID]
	if !ok {
		return ErrNotFound
	}
	loser, ok := f.users[loserID]
	if !ok {
		return ErrNotFound
	}
	for i := range f.identities {
		if f.identities[i].UserID == loserID {
			f.identities[i].UserID = survivorID
		}
	}
	merged := survivor.ID
	loser.MergedInto = &merged
	return nil
}

// FakeProductRepo is an in-memory ProductRepo for entitlement tests.
type FakeProductRepo struct {
	mu       sync.Mutex
	products map[string]*models.Product
}

// NewFakeProductRepo returns an empty FakeProductRepo.
func NewFakeProductRepo() *FakeProductRepo {
	return &FakeProductRepo{products: make(map[string]*models.Product)}
}

func (f *FakeProductRepo) key(orgID uuid.UUID, source models.Source, externalID string) string {
	return orgID.String() + "/" + string(source) + "/" + externalID
}

func (f *FakeProductRepo) GetOrCreate(ctx context.Context, orgID uuid.UUID, source models.Source, externalID string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(orgID, source, externalID)
	if p, ok := f.products[k]; ok {
		clone := *p
		return &clone, nil
	}
	p := &models.Product{
		ID: uuid.New(), OrgID: orgID, Source: source, ExternalID: externalID,
		CanonicalPlan: externalID, Entitled: true,
	}
	f.products[k] = p
	clone := *p
	return &clone, nil
}

// FakeAlertConfigRepo is an in-memory AlertConfigRepo for dispatcher tests.
type FakeAlertConfigRepo struct {
	mu      sync.Mutex
	configs []models.AlertConfig
}

// NewFakeAlertConfigRepo returns an empty FakeAlertConfigRepo.
func NewFakeAlertConfigRepo() *FakeAlertConfigRepo {
	return &FakeAlertConfigRepo{}
}

// Seed registers an alert config directly.
func (f *FakeAlertConfigRepo) Seed(c models.AlertConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, c)
}

var fakeSeverityRank = map[models.IssueSeverity]int{
	models.SeverityInfo:     0,
	models.SeverityWarning:  1,
	models.SeverityCritical: 2,
}

func (f *FakeAlertConfigRepo) ListEnabled(ctx context.Context, orgID uuid.UUID, minSeverity models.IssueSeverity) ([]models.AlertConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AlertConfig
	for _, c := range f.configs {
		if c.OrgID != orgID || !c.Enabled {
			continue
		}
		if fakeSeverityRank[minSeverity] >= fakeSeverityRank[c.MinSeverity] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *FakeAlertConfigRepo) Upsert(ctx context.Context, cfg *models.AlertConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg.ID = uuid.New()
	f.configs = append(f.configs, *cfg)
	return nil
}

// FakeAPIKeyRepo is an in-memory APIKeyRepo for auth middleware tests.
type FakeAPIKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*models.APIKey // by prefix
}

// NewFakeAPIKeyRepo returns an empty FakeAPIKeyRepo.
func NewFakeAPIKeyRepo() *FakeAPIKeyRepo {
	return &FakeAPIKeyRepo{keys: make(map[string]*models.APIKey)}
}

func (f *FakeAPIKeyRepo) Create(ctx context.Context, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key.ID = uuid.New()
	key.CreatedAt = time.Now()
	clone := *key
	f.keys[key.Prefix] = &clone
	return nil
}

func (f *FakeAPIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[prefix]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *k
	return &clone, nil
}

func (f *FakeAPIKeyRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.ID == id {
			now := time.Now()
			k.RevokedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (f *FakeAPIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.ID == id {
			now := time.Now()
			k.LastUsedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (f *FakeAPIKeyRepo) List(ctx context.Context, orgID uuid.UUID) ([]models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.APIKey
	for _, k := range f.keys {
		if k.OrgID == orgID {
			out = append(out, *k)
		}
	}
	return out, nil
}
