package sqlite

import (
	"context"
	"time"

	"github.com/Brownie44l1/plantid-api/internal/feedback"
)

func (s *Store) RecordFeedback(ctx context.Context, rec feedback.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (session_id, final_species, correct, method, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.FinalSpecies, rec.Correct, string(rec.Method), time.Now().UTC(),
	)
	return err
}

// SpeciesAccuracy is the share of confirmed-correct feedback per species.
type SpeciesAccuracy struct {
	Species string  `json:"species"`
	Total   int     `json:"total"`
	Correct int     `json:"correct"`
	Rate    float64 `json:"rate"`
}

func (s *Store) FeedbackBySpecies(ctx context.Context) ([]SpeciesAccuracy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT final_species, COUNT(*), SUM(correct)
		 FROM feedback GROUP BY final_species ORDER BY COUNT(*) DESC, final_species`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpeciesAccuracy
	for rows.Next() {
		var a SpeciesAccuracy
		if err := rows.Scan(&a.Species, &a.Total, &a.Correct); err != nil {
			return nil, err
		}
		if a.Total > 0 {
			a.Rate = float64(a.Correct) / float64(a.Total)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
