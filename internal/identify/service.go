// Package identify is the entry point request handlers use: it ties the
// prediction engine, the session registry and feedback recording together.
package identify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/feedback"
	"github.com/Brownie44l1/plantid-api/internal/model"
	"github.com/Brownie44l1/plantid-api/internal/predict"
	"github.com/Brownie44l1/plantid-api/internal/session"
	"github.com/Brownie44l1/plantid-api/internal/species"
)

var (
	ErrUnknownSpecies = errors.New("species is not in the catalog")
	ErrEmptySpecies   = errors.New("species is required")
)

type Preprocessor interface {
	Prepare(raw []byte) ([]float32, error)
}

// Prediction is one attempt as shown to the user.
type Prediction struct {
	SessionID            string         `json:"session_id"`
	Attempt              int            `json:"attempt"`
	Result               predict.Result `json:"result"`
	Info                 species.Info   `json:"species_info"`
	Degraded             bool           `json:"degraded"`
	NeedsManualSelection bool           `json:"needs_manual_selection"`
}

type Service struct {
	engine       *predict.Engine
	preprocessor Preprocessor
	registry     *session.Registry
	recorder     *feedback.Recorder
	lookup       species.Lookup
	logger       *zap.Logger

	unavailable atomic.Bool
}

func NewService(engine *predict.Engine, pre Preprocessor, registry *session.Registry,
	recorder *feedback.Recorder, lookup species.Lookup, logger *zap.Logger) *Service {
	s := &Service{
		engine:       engine,
		preprocessor: pre,
		registry:     registry,
		recorder:     recorder,
		lookup:       lookup,
		logger:       logger,
	}
	if !engine.Ready() {
		s.unavailable.Store(true)
		logger.Warn("no classifier loaded, prediction disabled")
	}
	return s
}

// Available is false once the classifier has reported itself unavailable.
// Prediction stays blocked until the process is restarted with a working model.
func (s *Service) Available() bool {
	return !s.unavailable.Load()
}

func (s *Service) Catalog() *species.Catalog {
	return s.engine.Catalog()
}

// SubmitImage preprocesses the photo and opens a session for it. A photo that
// cannot be preprocessed never gets a session.
func (s *Service) SubmitImage(ctx context.Context, raw []byte, contentType string) (*session.Session, error) {
	if !s.Available() {
		return nil, model.ErrModelUnavailable
	}
	tensor, err := s.preprocessor.Prepare(raw)
	if err != nil {
		return nil, err
	}

	sess := s.registry.Create(ctx, session.Image{
		Data:        raw,
		ContentType: contentType,
		Tensor:      tensor,
	})
	s.logger.Info("image submitted", zap.String("session_id", sess.ID), zap.Int("bytes", len(raw)))
	return sess, nil
}

func (s *Service) Session(id string) (*session.Session, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// Predict runs the engine against everything the session has discarded so
// far, plus any extra species the caller wants left out of this one call.
func (s *Service) Predict(ctx context.Context, id string, extraExclude ...string) (Prediction, error) {
	sess, err := s.activeSession(id)
	if err != nil {
		return Prediction{}, err
	}
	if !s.Available() {
		return Prediction{}, model.ErrModelUnavailable
	}

	res, err := s.engine.Classify(ctx, sess.Image().Tensor, sess.Exclusion().With(extraExclude...))
	if err != nil {
		s.noteFailure(err)
		if errors.Is(err, predict.ErrExclusionExhausted) {
			s.logger.Info("no identification possible",
				zap.String("session_id", id),
				zap.Int("discarded", len(sess.Discarded())))
		}
		return Prediction{}, err
	}
	if err := sess.SetPrediction(res); err != nil {
		return Prediction{}, err
	}

	info := s.info(ctx, res.Species)
	s.logger.Info("prediction",
		zap.String("session_id", id),
		zap.Int("attempt", sess.AttemptNumber()),
		zap.String("species", res.Species),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("degraded", info.Degraded()))

	return Prediction{
		SessionID:            id,
		Attempt:              sess.AttemptNumber(),
		Result:               res,
		Info:                 info,
		Degraded:             info.Degraded(),
		NeedsManualSelection: sess.NeedsManualSelection(),
	}, nil
}

// Reject discards species for the rest of the session and reports whether
// the user should now pick manually. An empty species rejects the latest
// prediction.
func (s *Service) Reject(ctx context.Context, id, speciesName string) (bool, error) {
	sess, err := s.activeSession(id)
	if err != nil {
		return false, err
	}
	speciesName, err = orPredicted(sess, speciesName)
	if err != nil {
		return false, err
	}

	if err := sess.RecordAttempt(speciesName, sess.ConfidenceFor(speciesName), session.OutcomeRejected); err != nil {
		return false, err
	}
	needsManual := sess.NeedsManualSelection()
	s.logger.Info("prediction rejected",
		zap.String("session_id", id),
		zap.String("species", speciesName),
		zap.Int("next_attempt", sess.AttemptNumber()),
		zap.Bool("needs_manual_selection", needsManual))
	return needsManual, nil
}

// Confirm accepts the latest prediction as correct. An empty species means
// whatever was predicted last; anything else must match it.
func (s *Service) Confirm(ctx context.Context, id, speciesName string) (feedback.Outcome, error) {
	sess, err := s.activeSession(id)
	if err != nil {
		return feedback.Outcome{}, err
	}
	speciesName, err = orPredicted(sess, speciesName)
	if err != nil {
		return feedback.Outcome{}, err
	}
	if !s.engine.Catalog().Contains(speciesName) {
		return feedback.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownSpecies, speciesName)
	}
	return s.complete(ctx, id, speciesName, session.MethodAutoPrediction)
}

// SelectManually records the user's own answer. It need not be a catalog
// species: a label outside the catalog grows the dataset for the next model.
func (s *Service) SelectManually(ctx context.Context, id, speciesName string) (feedback.Outcome, error) {
	speciesName = strings.TrimSpace(speciesName)
	if speciesName == "" {
		return feedback.Outcome{}, ErrEmptySpecies
	}
	return s.complete(ctx, id, speciesName, session.MethodManualSelection)
}

// TopK lists candidates for manual selection, never including discarded species.
func (s *Service) TopK(ctx context.Context, id string, k int) ([]predict.Candidate, error) {
	sess, err := s.activeSession(id)
	if err != nil {
		return nil, err
	}
	if !s.Available() {
		return []predict.Candidate{}, nil
	}
	return s.engine.TopK(ctx, sess.Image().Tensor, k, sess.Exclusion()), nil
}

func (s *Service) Abandon(ctx context.Context, id string) error {
	if err := s.registry.Abandon(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session abandoned", zap.String("session_id", id))
	return nil
}

func (s *Service) complete(ctx context.Context, id, speciesName string, method session.Method) (feedback.Outcome, error) {
	sess, err := s.activeSession(id)
	if err != nil {
		return feedback.Outcome{}, err
	}
	final, err := s.registry.Complete(ctx, id, speciesName, method)
	if err != nil {
		return feedback.Outcome{}, err
	}
	return s.recorder.Record(ctx, sess, final), nil
}

func orPredicted(sess *session.Session, speciesName string) (string, error) {
	if name := strings.TrimSpace(speciesName); name != "" {
		return name, nil
	}
	if last, ok := sess.LastPrediction(); ok && !sess.Exclusion().Contains(last.Species) {
		return last.Species, nil
	}
	return "", ErrEmptySpecies
}

func (s *Service) activeSession(id string) (*session.Session, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if sess.Status() != session.StatusActive {
		return nil, session.ErrSessionClosed
	}
	return sess, nil
}

func (s *Service) info(ctx context.Context, name string) species.Info {
	if s.lookup == nil {
		return species.NotFound(name)
	}
	return s.lookup.Get(ctx, name)
}

func (s *Service) noteFailure(err error) {
	if errors.Is(err, model.ErrModelUnavailable) && s.unavailable.CompareAndSwap(false, true) {
		s.logger.Error("classifier unavailable, prediction disabled", zap.Error(err))
	}
}
