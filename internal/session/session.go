// Package session tracks one user's multi-attempt identification of a photo
// and the registry of sessions that are currently live.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Brownie44l1/plantid-api/internal/predict"
)

var (
	ErrSessionClosed   = errors.New("session is no longer active")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownMethod   = errors.New("unknown resolution method")
	ErrUnknownOutcome  = errors.New("unknown attempt outcome")
	ErrNotPredicted    = errors.New("species is not the current prediction")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Outcome is the user's verdict on a single attempt.
type Outcome string

const (
	OutcomeUnconfirmed Outcome = "unconfirmed"
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomeRejected    Outcome = "rejected"
)

type Method string

const (
	MethodAutoPrediction  Method = "auto_prediction"
	MethodManualSelection Method = "manual_selection"
)

type Attempt struct {
	Attempt    int       `json:"attempt"`
	Species    string    `json:"species"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Outcome    Outcome   `json:"outcome"`
}

type FinalOutcome struct {
	FinalSpecies string `json:"final_species"`
	AttemptsUsed int    `json:"attempts_used"`
	Method       Method `json:"resolution_method"`
}

// Image is the photo a session was opened for. Data is kept as uploaded so it
// can be filed into the dataset under the confirmed label; Tensor is computed
// once at submission.
type Image struct {
	Data        []byte
	ContentType string
	Tensor      []float32
}

// Session is safe for concurrent use, though normally only one request
// touches a session at a time.
type Session struct {
	ID          string
	CreatedAt   time.Time
	MaxAttempts int

	mu        sync.Mutex
	image     Image
	attempt   int
	discarded map[string]struct{}
	order     []string
	history   []Attempt
	status    Status
	final     *FinalOutcome
	last      *predict.Result
	pending   bool
	closedAt  time.Time
	now       func() time.Time
}

func newSession(id string, image Image, maxAttempts int, now func() time.Time) *Session {
	return &Session{
		ID:          id,
		CreatedAt:   now(),
		MaxAttempts: maxAttempts,
		image:       image,
		attempt:     1,
		discarded:   make(map[string]struct{}),
		status:      StatusActive,
		now:         now,
	}
}

func (s *Session) Image() Image {
	return s.image
}

// SetPrediction attaches the latest engine result, awaiting the user's verdict.
func (s *Session) SetPrediction(res predict.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrSessionClosed
	}
	s.last = &res
	s.pending = true
	return nil
}

// LastPrediction returns the most recent engine result, if any.
func (s *Session) LastPrediction() (predict.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return predict.Result{}, false
	}
	return *s.last, true
}

// RecordAttempt logs the verdict for the current attempt. Only the latest
// prediction can be confirmed, and confirming completes the session. A
// rejection discards the species for good and moves on to the next attempt.
func (s *Session) RecordAttempt(species string, confidence float64, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrSessionClosed
	}
	switch outcome {
	case OutcomeConfirmed:
		if _, rejected := s.discarded[species]; rejected || s.last == nil || s.last.Species != species {
			return fmt.Errorf("%w: %q", ErrNotPredicted, species)
		}
	case OutcomeRejected, OutcomeUnconfirmed:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}

	s.history = append(s.history, Attempt{
		Attempt:    s.attempt,
		Species:    species,
		Confidence: confidence,
		Timestamp:  s.now(),
		Outcome:    outcome,
	})
	s.pending = false

	switch outcome {
	case OutcomeConfirmed:
		s.finish(StatusCompleted, &FinalOutcome{
			FinalSpecies: species,
			AttemptsUsed: s.attempt,
			Method:       MethodAutoPrediction,
		})
	case OutcomeRejected:
		if _, seen := s.discarded[species]; !seen {
			s.discarded[species] = struct{}{}
			s.order = append(s.order, species)
		}
		s.attempt++
	}
	return nil
}

// NeedsManualSelection reports whether auto-retry is exhausted and the user
// should pick from a candidate list.
func (s *Session) NeedsManualSelection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt > s.MaxAttempts
}

// CompleteManually accepts any species, predicted or not.
func (s *Session) CompleteManually(species string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrSessionClosed
	}
	s.finish(StatusCompleted, &FinalOutcome{
		FinalSpecies: species,
		AttemptsUsed: s.attempt,
		Method:       MethodManualSelection,
	})
	return nil
}

// Abandon ends an active session. A prediction the user never answered is
// kept in the history as unconfirmed.
func (s *Session) Abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return ErrSessionClosed
	}
	if s.pending && s.last != nil {
		s.history = append(s.history, Attempt{
			Attempt:    s.attempt,
			Species:    s.last.Species,
			Confidence: s.last.Confidence,
			Timestamp:  s.now(),
			Outcome:    OutcomeUnconfirmed,
		})
		s.pending = false
	}
	s.finish(StatusAbandoned, nil)
	return nil
}

func (s *Session) finish(status Status, final *FinalOutcome) {
	s.status = status
	s.final = final
	s.closedAt = s.now()
}

// ConfidenceFor returns the score the last prediction gave species, or 0.
func (s *Session) ConfidenceFor(species string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return 0
	}
	if s.last.Species == species {
		return s.last.Confidence
	}
	for _, c := range s.last.Ranked {
		if c.Species == species {
			return c.Confidence
		}
	}
	return 0
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) AttemptNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Session) Final() (FinalOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final == nil {
		return FinalOutcome{}, false
	}
	return *s.final, true
}

// Discarded returns rejected species in rejection order.
func (s *Session) Discarded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Exclusion is a frozen copy of the discarded set for one engine call.
func (s *Session) Exclusion() predict.Exclusion {
	return predict.NewExclusion(s.Discarded()...)
}

func (s *Session) History() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Attempt, len(s.history))
	copy(out, s.history)
	return out
}

// View is a point-in-time copy suitable for serialization.
type View struct {
	ID                   string          `json:"session_id"`
	Status               Status          `json:"status"`
	AttemptNumber        int             `json:"attempt_number"`
	MaxAttempts          int             `json:"max_attempts"`
	NeedsManualSelection bool            `json:"needs_manual_selection"`
	Discarded            []string        `json:"discarded_species"`
	History              []Attempt       `json:"prediction_history"`
	Final                *FinalOutcome   `json:"final_outcome,omitempty"`
	LastPrediction       *predict.Result `json:"last_prediction,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:                   s.ID,
		Status:               s.status,
		AttemptNumber:        s.attempt,
		MaxAttempts:          s.MaxAttempts,
		NeedsManualSelection: s.attempt > s.MaxAttempts,
		Discarded:            append([]string{}, s.order...),
		History:              append([]Attempt{}, s.history...),
		CreatedAt:            s.CreatedAt,
	}
	if s.final != nil {
		f := *s.final
		v.Final = &f
	}
	if s.last != nil {
		r := *s.last
		v.LastPrediction = &r
	}
	return v
}

// Record is the archived form of a finished session.
type Record struct {
	SessionID    string    `json:"session_id"`
	Status       Status    `json:"status"`
	FinalSpecies string    `json:"final_species,omitempty"`
	Method       Method    `json:"resolution_method,omitempty"`
	AttemptsUsed int       `json:"attempts_used"`
	Discarded    []string  `json:"discarded_species"`
	History      []Attempt `json:"prediction_history"`
	CreatedAt    time.Time `json:"created_at"`
	ClosedAt     time.Time `json:"closed_at"`
}

func (s *Session) record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Record{
		SessionID:    s.ID,
		Status:       s.status,
		AttemptsUsed: s.attempt,
		Discarded:    append([]string{}, s.order...),
		History:      append([]Attempt{}, s.history...),
		CreatedAt:    s.CreatedAt,
		ClosedAt:     s.closedAt,
	}
	if s.final != nil {
		r.FinalSpecies = s.final.FinalSpecies
		r.Method = s.final.Method
		r.AttemptsUsed = s.final.AttemptsUsed
	}
	return r
}
