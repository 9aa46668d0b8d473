// Package secret implements the lifecycle of one-time secrets: creation,
// password gating, expiry and the single-delivery burn.
//
// The durable store decides delivery. A fetch wins only if its conditional
// update of accessed_at lands; the cache is consulted for latency and never
// for state.
package secret

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"onetime.secret/internal/cache"
	"onetime.secret/internal/crypto"
	"onetime.secret/internal/models"
	"onetime.secret/internal/store"
)

const (
	defaultCacheTimeout = 250 * time.Millisecond
	auditTimeout        = 5 * time.Second
)

// Options bound what callers may ask for.
type Options struct {
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	MaxPayloadBytes int
	CreateRetries   int
	CacheTimeout    time.Duration
}

// Params are the collaborators of a Manager. Store and Hasher are required.
type Params struct {
	Store   store.Store
	Cache   cache.Cache
	Audit   store.AuditLog
	Hasher  crypto.PasswordHasher
	NewID   crypto.IDGenerator
	Clock   func() time.Time
	Metrics *Metrics
}

// CreateRequest describes a new secret. A zero TTL selects the default and an
// empty Password leaves the secret ungated.
type CreateRequest struct {
	Ciphertext []byte
	IV         []byte
	TTL        time.Duration
	Password   string
	Requester  models.Requester
}

// Handle identifies a created secret. How it is turned into a URL is up to
// the caller.
type Handle struct {
	ID        string
	ExpiresAt time.Time
}

// FetchResult holds either the delivered payload or the signal that a
// password must be supplied. The signal leaves the secret untouched.
type FetchResult struct {
	Payload          *models.Payload
	PasswordRequired bool
}

// Manager runs the secret lifecycle over a durable store, an optional cache
// and an optional audit log. It is safe for concurrent use.
type Manager struct {
	store   store.Store
	cache   cache.Cache
	audit   store.AuditLog
	hasher  crypto.PasswordHasher
	newID   crypto.IDGenerator
	now     func() time.Time
	opts    Options
	metrics *Metrics
	logTags log.Fields

	// tracks background audit writes
	wg sync.WaitGroup
}

// NewManager validates the options and fills in defaults for the optional
// collaborators.
func NewManager(params Params, opts Options) (*Manager, error) {
	if params.Store == nil {
		return nil, errors.New("secret manager requires a store")
	}
	if params.Hasher == nil {
		return nil, errors.New("secret manager requires a password hasher")
	}
	if opts.DefaultTTL <= 0 {
		return nil, errors.New("default ttl must be positive")
	}
	if opts.MaxTTL < opts.DefaultTTL {
		return nil, errors.New("max ttl must be >= default ttl")
	}
	if opts.CreateRetries < 1 {
		opts.CreateRetries = 1
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = defaultCacheTimeout
	}

	m := &Manager{
		store:   params.Store,
		cache:   params.Cache,
		audit:   params.Audit,
		hasher:  params.Hasher,
		newID:   params.NewID,
		now:     params.Clock,
		opts:    opts,
		metrics: params.Metrics,
		logTags: log.Fields{"package": "secret", "module": "lifecycle", "component": "manager"},
	}
	if m.cache == nil {
		m.cache = cache.Noop{}
	}
	if m.newID == nil {
		m.newID = crypto.GenerateID
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Create stores a new secret and returns its handle. A zero TTL selects the
// default lifetime and a non-empty password gates delivery.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Handle, error) {
	handle, err := m.create(ctx, req)
	m.metrics.observe(opCreate, outcomeOf(err))
	return handle, err
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (Handle, error) {
	ttl, err := m.validateCreate(req)
	if err != nil {
		return Handle{}, err
	}

	var passwordHash string
	if req.Password != "" {
		if passwordHash, err = m.hasher.Hash(req.Password); err != nil {
			return Handle{}, fmt.Errorf("create secret: %w", err)
		}
	}

	now := m.now()
	sec := &models.Secret{
		Ciphertext:   req.Ciphertext,
		IV:           req.IV,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	if err := m.insertWithFreshID(ctx, sec); err != nil {
		return Handle{}, err
	}

	m.cacheSet(ctx, sec, ttl)
	m.recordEvent(ctx, sec.ID, models.EventCreated, req.Requester)

	return Handle{ID: sec.ID, ExpiresAt: sec.ExpiresAt}, nil
}

func (m *Manager) validateCreate(req CreateRequest) (time.Duration, error) {
	if len(req.Ciphertext) == 0 {
		return 0, invalid("ciphertext", "must not be empty")
	}
	if len(req.IV) == 0 {
		return 0, invalid("iv", "must not be empty")
	}
	if m.opts.MaxPayloadBytes > 0 && len(req.Ciphertext)+len(req.IV) > m.opts.MaxPayloadBytes {
		return 0, invalid("ciphertext", fmt.Sprintf("payload exceeds %d bytes", m.opts.MaxPayloadBytes))
	}

	ttl := req.TTL
	switch {
	case ttl == 0:
		ttl = m.opts.DefaultTTL
	case ttl < 0:
		return 0, invalid("ttl", "must be positive")
	case ttl > m.opts.MaxTTL:
		return 0, invalid("ttl", fmt.Sprintf("must not exceed %s", m.opts.MaxTTL))
	}
	return ttl, nil
}

// insertWithFreshID assigns an id and writes the record, drawing a new id
// whenever the store reports a collision.
func (m *Manager) insertWithFreshID(ctx context.Context, sec *models.Secret) error {
	for attempt := 1; attempt <= m.opts.CreateRetries; attempt++ {
		id, err := m.newID()
		if err != nil {
			return fmt.Errorf("create secret: %w", err)
		}
		sec.ID = id

		err = m.store.Insert(ctx, sec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateID) {
			return storageError("create secret", err)
		}
		log.WithFields(m.logTags).WithField("attempt", attempt).Warn("Secret id collision, retrying")
	}
	return storageError("create secret", fmt.Errorf("no unique id after %d attempts", m.opts.CreateRetries))
}

// Fetch delivers a secret at most once. A nil password on a gated secret
// yields FetchResult.PasswordRequired and leaves the secret untouched.
func (m *Manager) Fetch(
	ctx context.Context, id string, password *string, requester models.Requester,
) (FetchResult, error) {
	res, err := m.fetch(ctx, id, password, requester)
	switch {
	case err != nil:
		m.metrics.observe(opFetch, outcomeOf(err))
	case res.PasswordRequired:
		m.metrics.observe(opFetch, outcomePasswordRequired)
	default:
		m.metrics.observe(opFetch, outcomeOK)
	}
	return res, err
}

func (m *Manager) fetch(
	ctx context.Context, id string, password *string, requester models.Requester,
) (FetchResult, error) {
	sec, err := m.availableSecret(ctx, id)
	if err != nil {
		return FetchResult{}, err
	}

	if sec.PasswordProtected() {
		if password == nil {
			return FetchResult{PasswordRequired: true}, nil
		}
		ok, err := m.hasher.Compare(sec.PasswordHash, *password)
		if err != nil {
			return FetchResult{}, fmt.Errorf("fetch secret: %w", err)
		}
		if !ok {
			return FetchResult{}, ErrAuth
		}
	}

	// The hash comparison above is slow, so the burn takes a fresh timestamp.
	won, err := m.store.MarkAccessed(ctx, id, m.now())
	if err != nil {
		return FetchResult{}, storageError("fetch secret", err)
	}
	if !won {
		m.metrics.lostBurn()
		return FetchResult{}, ErrGone
	}

	// From here on the secret counts as delivered even if the caller goes away.
	payload := m.loadPayload(ctx, sec)
	m.cacheDelete(ctx, id)
	m.recordEvent(ctx, id, models.EventAccessed, requester)

	return FetchResult{Payload: payload}, nil
}

// VerifyPassword checks a password without releasing the payload. Secrets
// without a password always verify.
func (m *Manager) VerifyPassword(ctx context.Context, id string, password string) (bool, error) {
	valid, err := m.verifyPassword(ctx, id, password)
	switch {
	case err != nil:
		m.metrics.observe(opVerify, outcomeOf(err))
	case !valid:
		m.metrics.observe(opVerify, outcomeAuth)
	default:
		m.metrics.observe(opVerify, outcomeOK)
	}
	return valid, err
}

func (m *Manager) verifyPassword(ctx context.Context, id string, password string) (bool, error) {
	sec, err := m.availableSecret(ctx, id)
	if err != nil {
		return false, err
	}
	if !sec.PasswordProtected() {
		return true, nil
	}
	ok, err := m.hasher.Compare(sec.PasswordHash, password)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return ok, nil
}

// availableSecret loads the durable record and rejects terminal states.
func (m *Manager) availableSecret(ctx context.Context, id string) (*models.Secret, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	sec, err := m.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("load secret", err)
	}

	if !sec.Available(m.now()) {
		m.cacheDelete(ctx, id)
		return nil, ErrGone
	}
	return sec, nil
}

// loadPayload prefers the cached copy and falls back to the durable record.
// Payload bytes never change after creation, so either source is correct.
func (m *Manager) loadPayload(ctx context.Context, sec *models.Secret) *models.Payload {
	if entry, ok := m.cacheGet(ctx, sec.ID); ok {
		return &models.Payload{Ciphertext: entry.Ciphertext, IV: entry.IV}
	}
	return &models.Payload{Ciphertext: sec.Ciphertext, IV: sec.IV}
}

// Wait blocks until background audit writes have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// ======================================================================================
// Best-effort side effects. Failures here are logged and never returned.

func (m *Manager) cacheGet(ctx context.Context, id string) (*models.CacheEntry, bool) {
	var entry *models.CacheEntry
	err := m.withCache(ctx, "get", func(ctx context.Context) error {
		var err error
		entry, err = m.cache.Get(ctx, id)
		return err
	})
	return entry, err == nil && entry != nil
}

func (m *Manager) cacheSet(ctx context.Context, sec *models.Secret, ttl time.Duration) {
	entry := models.CacheEntry{
		Ciphertext:       sec.Ciphertext,
		IV:               sec.IV,
		PasswordRequired: sec.PasswordProtected(),
	}
	_ = m.withCache(context.WithoutCancel(ctx), "set", func(ctx context.Context) error {
		return m.cache.Set(ctx, sec.ID, entry, ttl)
	})
}

func (m *Manager) cacheDelete(ctx context.Context, id string) {
	_ = m.withCache(context.WithoutCancel(ctx), "delete", func(ctx context.Context) error {
		return m.cache.Delete(ctx, id)
	})
}

// withCache bounds one cache call by the cache timeout and logs its failure.
func (m *Manager) withCache(ctx context.Context, op string, call func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.opts.CacheTimeout)
	defer cancel()

	err := call(cctx)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		m.metrics.cacheError(op)
		log.WithFields(m.logTags).WithError(err).WithField("op", op).Warn("Cache unavailable, continuing without it")
	}
	return err
}

func (m *Manager) recordEvent(
	ctx context.Context, id string, eventType models.EventType, requester models.Requester,
) {
	if m.audit == nil {
		return
	}

	event := models.AuditEvent{
		ID:        ulid.Make().String(),
		SecretID:  id,
		Type:      eventType,
		IPAddress: requester.IPAddress,
		UserAgent: requester.UserAgent,
		CreatedAt: m.now(),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()

		if err := m.audit.RecordEvent(actx, event); err != nil {
			m.metrics.auditError()
			log.WithFields(m.logTags).
				WithError(err).
				WithField("event", string(eventType)).
				Error("Failed to write audit event")
		}
	}()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrValidation):
		return outcomeValidation
	case errors.Is(err, ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, ErrGone):
		return outcomeGone
	case errors.Is(err, ErrAuth):
		return outcomeAuth
	default:
		return outcomeStorage
	}
}
