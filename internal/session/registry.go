package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/metrics"
)

// Archive persists finished sessions for aggregate statistics.
type Archive interface {
	Append(ctx context.Context, rec Record) error
}

type RegistryConfig struct {
	Expiry      time.Duration
	Capacity    int
	MaxAttempts int
}

type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns every live session. Expiry and capacity are enforced on
// Create only, so an idle registry does no background work.
type Registry struct {
	cfg     RegistryConfig
	archive Archive
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	seq      uint64
}

type entry struct {
	session *Session
	seq     uint64
}

func NewRegistry(cfg RegistryConfig, archive Archive, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Registry {
	r := &Registry{
		cfg:      cfg,
		archive:  archive,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Create(ctx context.Context, image Image) *Session {
	r.mu.Lock()
	s := newSession(uuid.NewString(), image, r.cfg.MaxAttempts, r.now)
	r.seq++
	r.sessions[s.ID] = &entry{session: s, seq: r.seq}
	evicted := r.evictLocked()
	live := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsCreated.Inc()
	r.metrics.SessionsLive.Set(float64(live))
	r.logger.Debug("session created", zap.String("session_id", s.ID), zap.Int("live", live))

	for _, old := range evicted {
		r.archiveSession(ctx, old)
	}
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Complete resolves the session with the user's final species, archives it
// and drops it from the live set.
func (r *Registry) Complete(ctx context.Context, id, species string, method Method) (FinalOutcome, error) {
	s, ok := r.Get(id)
	if !ok {
		return FinalOutcome{}, ErrSessionNotFound
	}

	var err error
	switch method {
	case MethodAutoPrediction:
		err = s.RecordAttempt(species, s.ConfidenceFor(species), OutcomeConfirmed)
	case MethodManualSelection:
		err = s.CompleteManually(species)
	default:
		return FinalOutcome{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err != nil {
		return FinalOutcome{}, err
	}

	r.remove(id)
	r.archiveSession(ctx, s)

	final, _ := s.Final()
	return final, nil
}

// Abandon ends the session on explicit user exit.
func (r *Registry) Abandon(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	if err := s.Abandon(); err != nil {
		return err
	}
	r.remove(id)
	r.archiveSession(ctx, s)
	return nil
}

// Close abandons and archives every live session. Called at shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, e := range r.sessions {
		all = append(all, e.session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		_ = s.Abandon()
		r.archiveSession(ctx, s)
	}
	r.metrics.SessionsLive.Set(0)
	if len(all) > 0 {
		r.logger.Info("abandoned live sessions on shutdown", zap.Int("count", len(all)))
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	live := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SessionsLive.Set(float64(live))
}

// evictLocked drops expired sessions, then the oldest sessions until the
// live set fits the capacity. The caller archives what it returns.
func (r *Registry) evictLocked() []*Session {
	var evicted []*Session
	now := r.now()

	if r.cfg.Expiry > 0 {
		for id, e := range r.sessions {
			if now.Sub(e.session.CreatedAt) > r.cfg.Expiry {
				_ = e.session.Abandon()
				delete(r.sessions, id)
				evicted = append(evicted, e.session)
				r.metrics.Evictions.WithLabelValues("expired").Inc()
			}
		}
	}

	if r.cfg.Capacity > 0 && len(r.sessions) > r.cfg.Capacity {
		ordered := make([]*entry, 0, len(r.sessions))
		for _, e := range r.sessions {
			ordered = append(ordered, e)
		}
		sort.Slice(ordered, func(i, j int) bool {
			a, b := ordered[i], ordered[j]
			if !a.session.CreatedAt.Equal(b.session.CreatedAt) {
				return a.session.CreatedAt.Before(b.session.CreatedAt)
			}
			return a.seq < b.seq
		})

		excess := len(r.sessions) - r.cfg.Capacity
		for _, e := range ordered[:excess] {
			_ = e.session.Abandon()
			delete(r.sessions, e.session.ID)
			evicted = append(evicted, e.session)
			r.metrics.Evictions.WithLabelValues("capacity").Inc()
		}
		r.logger.Info("registry over capacity, evicted oldest sessions",
			zap.Int("evicted", excess),
			zap.Int("capacity", r.cfg.Capacity))
	}
	return evicted
}

func (r *Registry) archiveSession(ctx context.Context, s *Session) {
	rec := s.record()
	r.metrics.SessionsClosed.WithLabelValues(string(rec.Status)).Inc()
	if r.archive == nil {
		return
	}
	if err := r.archive.Append(ctx, rec); err != nil {
		r.logger.Error("failed to archive session",
			zap.String("session_id", rec.SessionID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}
