package retrain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/metrics"
)

const evaluateTimeout = 30 * time.Second

// Scheduler periodically assesses the dataset counters in the background so
// the interactive path only ever reads the cached verdict.
type Scheduler struct {
	cron     *cron.Cron
	counter  Counter
	criteria Criteria
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu   sync.RWMutex
	last Assessment
	at   time.Time
}

// NewScheduler parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week).
func NewScheduler(schedule string, counter Counter, criteria Criteria, logger *zap.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		counter:  counter,
		criteria: criteria,
		logger:   logger,
		metrics:  m,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid retrain schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("retrain assessment scheduled",
		zap.Int("min_total_new_images", s.criteria.MinTotalNewImages),
		zap.Int("min_species_with_new_images", s.criteria.MinSpeciesWithNewImages))
}

// Stop waits for a running assessment to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow assesses immediately and caches the result.
func (s *Scheduler) RunNow(ctx context.Context) (Assessment, error) {
	a, err := Evaluate(ctx, s.counter, s.criteria)
	if err != nil {
		return Assessment{}, err
	}
	s.store(a)
	return a, nil
}

// Last returns the most recent assessment and when it was taken. The time is
// zero if no assessment has run yet.
func (s *Scheduler) Last() (Assessment, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.at
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
	defer cancel()

	a, err := s.RunNow(ctx)
	if err != nil {
		s.logger.Error("scheduled retrain assessment failed", zap.Error(err))
		return
	}
	if a.Needed {
		s.logger.Info("retraining recommended",
			zap.Int("total_new_images", a.TotalNewImages),
			zap.Int("species_affected", a.SpeciesAffected))
	} else {
		s.logger.Debug("retraining not needed yet",
			zap.Int("total_new_images", a.TotalNewImages),
			zap.Int("species_affected", a.SpeciesAffected))
	}
}

func (s *Scheduler) store(a Assessment) {
	s.mu.Lock()
	s.last = a
	s.at = time.Now()
	s.mu.Unlock()

	s.metrics.NewImages.Set(float64(a.TotalNewImages))
	if a.Needed {
		s.metrics.RetrainNeeded.Set(1)
	} else {
		s.metrics.RetrainNeeded.Set(0)
	}
}
