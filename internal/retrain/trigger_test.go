package retrain

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/metrics"
)

type staticCounter struct {
	total, species int
	err            error
}

func (c staticCounter) CountNewImages(context.Context) (int, int, error) {
	return c.total, c.species, c.err
}

func TestAssessRequiresBothThresholds(t *testing.T) {
	criteria := Criteria{MinTotalNewImages: 50, MinSpeciesWithNewImages: 5}

	tests := []struct {
		name           string
		total, species int
		needed         bool
		meetsTotal     bool
		meetsSpecies   bool
	}{
		{"volume without breadth", 60, 3, false, true, false},
		{"total met, no species", 50, 0, false, true, false},
		{"breadth without volume", 10, 8, false, false, true},
		{"both exactly met", 50, 5, true, true, true},
		{"both exceeded", 120, 9, true, true, true},
		{"nothing new", 0, 0, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(tt.total, tt.species, criteria)
			assert.Equal(t, tt.needed, a.Needed)
			assert.Equal(t, tt.meetsTotal, a.MeetsTotal)
			assert.Equal(t, tt.meetsSpecies, a.MeetsSpecies)
			assert.Equal(t, tt.total, a.TotalNewImages)
			assert.Equal(t, tt.species, a.SpeciesAffected)
		})
	}
}

func TestCriteriaValidate(t *testing.T) {
	assert.NoError(t, Criteria{MinTotalNewImages: 1, MinSpeciesWithNewImages: 1}.Validate())
	assert.ErrorIs(t, Criteria{MinTotalNewImages: 0, MinSpeciesWithNewImages: 1}.Validate(), ErrInvalidCriteria)
	assert.ErrorIs(t, Criteria{MinTotalNewImages: 1, MinSpeciesWithNewImages: -2}.Validate(), ErrInvalidCriteria)
}

func TestEvaluate(t *testing.T) {
	criteria := Criteria{MinTotalNewImages: 10, MinSpeciesWithNewImages: 2}

	a, err := Evaluate(context.Background(), staticCounter{total: 12, species: 2}, criteria)
	require.NoError(t, err)
	assert.True(t, a.Needed)

	_, err = Evaluate(context.Background(), staticCounter{err: errors.New("db down")}, criteria)
	assert.ErrorContains(t, err, "db down")
}

func TestSchedulerRunNowCachesAssessment(t *testing.T) {
	m := metrics.Nop()
	s, err := NewScheduler("0 3 * * *", staticCounter{total: 70, species: 6},
		Criteria{MinTotalNewImages: 50, MinSpeciesWithNewImages: 5}, zap.NewNop(), m)
	require.NoError(t, err)

	_, at := s.Last()
	assert.True(t, at.IsZero())

	a, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, a.Needed)

	last, at := s.Last()
	assert.Equal(t, a, last)
	assert.False(t, at.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrainNeeded))
	assert.Equal(t, 70.0, testutil.ToFloat64(m.NewImages))
}

func TestNewSchedulerRejectsBadInput(t *testing.T) {
	criteria := Criteria{MinTotalNewImages: 1, MinSpeciesWithNewImages: 1}

	_, err := NewScheduler("every tuesday", staticCounter{}, criteria, zap.NewNop(), metrics.Nop())
	assert.Error(t, err)

	_, err = NewScheduler("0 3 * * *", staticCounter{}, Criteria{}, zap.NewNop(), metrics.Nop())
	assert.ErrorIs(t, err, ErrInvalidCriteria)
}

func TestSchedulerStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := NewScheduler("*/5 * * * *", staticCounter{}, Criteria{MinTotalNewImages: 1, MinSpeciesWithNewImages: 1},
		zap.NewNop(), metrics.Nop())
	require.NoError(t, err)

	s.Start()
	s.Stop()
}
