// Package retrain decides when enough new labeled images have accumulated to
// justify retraining the classifier. It never starts training itself.
package retrain

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidCriteria = errors.New("invalid retrain criteria")

type Criteria struct {
	MinTotalNewImages       int `yaml:"min_total_new_images" json:"min_total_new_images" validate:"gte=1"`
	MinSpeciesWithNewImages int `yaml:"min_species_with_new_images" json:"min_species_with_new_images" validate:"gte=1"`
}

func (c Criteria) Validate() error {
	if c.MinTotalNewImages < 1 {
		return fmt.Errorf("%w: min_total_new_images must be >= 1, got %d", ErrInvalidCriteria, c.MinTotalNewImages)
	}
	if c.MinSpeciesWithNewImages < 1 {
		return fmt.Errorf("%w: min_species_with_new_images must be >= 1, got %d", ErrInvalidCriteria, c.MinSpeciesWithNewImages)
	}
	return nil
}

type Assessment struct {
	Needed          bool `json:"needed"`
	TotalNewImages  int  `json:"total_new_images"`
	SpeciesAffected int  `json:"species_affected"`
	MeetsTotal      bool `json:"meets_total"`
	MeetsSpecies    bool `json:"meets_species"`
}

// Assess requires both thresholds: volume alone, concentrated in a few
// species, does not warrant retraining.
func Assess(totalNewImages, speciesAffected int, criteria Criteria) Assessment {
	a := Assessment{
		TotalNewImages:  totalNewImages,
		SpeciesAffected: speciesAffected,
		MeetsTotal:      totalNewImages >= criteria.MinTotalNewImages,
		MeetsSpecies:    speciesAffected >= criteria.MinSpeciesWithNewImages,
	}
	a.Needed = a.MeetsTotal && a.MeetsSpecies
	return a
}

// Counter reports labeled images added since the last training run.
type Counter interface {
	CountNewImages(ctx context.Context) (total, speciesAffected int, err error)
}

// Evaluate reads the current counters and assesses them.
func Evaluate(ctx context.Context, counter Counter, criteria Criteria) (Assessment, error) {
	total, affected, err := counter.CountNewImages(ctx)
	if err != nil {
		return Assessment{}, fmt.Errorf("count new images: %w", err)
	}
	return Assess(total, affected, criteria), nil
}
