// Package feedback persists a user's final answer for a session, files the
// photo into the training dataset and re-checks the retraining thresholds.
package feedback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/metrics"
	"github.com/Brownie44l1/plantid-api/internal/retrain"
	"github.com/Brownie44l1/plantid-api/internal/session"
)

// Record is what the metadata store keeps per resolved session. Correct is
// true when the model's own prediction was confirmed.
type Record struct {
	SessionID    string
	FinalSpecies string
	Correct      bool
	Method       session.Method
}

type Store interface {
	RecordFeedback(ctx context.Context, rec Record) error
}

type Dataset interface {
	Save(ctx context.Context, image []byte, contentType, label string) (string, error)
	CountNewImages(ctx context.Context) (total, speciesAffected int, err error)
}

// Outcome is reported back to the UI. Warnings are non-fatal persistence
// problems the user should be told about.
type Outcome struct {
	Final          session.FinalOutcome `json:"final_outcome"`
	Saved          bool                 `json:"saved"`
	StoredFilename string               `json:"stored_filename,omitempty"`
	Assessment     *retrain.Assessment  `json:"retrain_assessment,omitempty"`
	Warnings       []string             `json:"warnings,omitempty"`
}

type Recorder struct {
	store    Store
	dataset  Dataset
	criteria retrain.Criteria
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewRecorder(store Store, dataset Dataset, criteria retrain.Criteria, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:    store,
		dataset:  dataset,
		criteria: criteria,
		logger:   logger,
		metrics:  m,
	}
}

// Record never fails the user flow: every step runs and problems end up in
// Outcome.Warnings. Nothing is retried.
func (r *Recorder) Record(ctx context.Context, s *session.Session, final session.FinalOutcome) Outcome {
	out := Outcome{Final: final, Saved: true}
	rec := Record{
		SessionID:    s.ID,
		FinalSpecies: final.FinalSpecies,
		Correct:      final.Method == session.MethodAutoPrediction,
		Method:       final.Method,
	}
	log := r.logger.With(zap.String("session_id", s.ID), zap.String("species", final.FinalSpecies))

	if err := r.store.RecordFeedback(ctx, rec); err != nil {
		log.Error("failed to record feedback", zap.Error(err))
		out.Saved = false
		out.Warnings = append(out.Warnings, fmt.Sprintf("feedback not recorded: %v", err))
	}

	img := s.Image()
	if len(img.Data) == 0 {
		out.Warnings = append(out.Warnings, "no source image to add to the dataset")
	} else {
		name, err := r.dataset.Save(ctx, img.Data, img.ContentType, final.FinalSpecies)
		if err != nil {
			log.Error("failed to save image to dataset", zap.Error(err))
			out.Saved = false
			out.Warnings = append(out.Warnings, fmt.Sprintf("image not added to dataset: %v", err))
		} else {
			out.StoredFilename = name
		}
	}

	if a, err := retrain.Evaluate(ctx, r.dataset, r.criteria); err != nil {
		log.Warn("retrain assessment unavailable", zap.Error(err))
		out.Warnings = append(out.Warnings, fmt.Sprintf("retrain assessment unavailable: %v", err))
	} else {
		out.Assessment = &a
		r.metrics.NewImages.Set(float64(a.TotalNewImages))
		if a.Needed {
			log.Info("retraining thresholds met",
				zap.Int("total_new_images", a.TotalNewImages),
				zap.Int("species_affected", a.SpeciesAffected))
		}
	}

	result := "ok"
	if !out.Saved {
		result = "degraded"
	}
	r.metrics.Feedback.WithLabelValues(string(final.Method), result).Inc()
	log.Info("feedback recorded",
		zap.String("method", string(final.Method)),
		zap.Int("attempts_used", final.AttemptsUsed),
		zap.Bool("saved", out.Saved))
	return out
}
