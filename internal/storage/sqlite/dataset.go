package sqlite

import (
	"context"
	"time"
)

func (s *Store) AddImage(ctx context.Context, species, filename string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset_images (species, filename, created_at) VALUES (?, ?, ?)`,
		species, filename, time.Now().UTC(),
	)
	return err
}

// CountNewImages counts images indexed after the most recent training run,
// and how many distinct species they cover.
func (s *Store) CountNewImages(ctx context.Context) (total, speciesAffected int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT species)
		 FROM dataset_images
		 WHERE id > COALESCE((SELECT MAX(last_image_id) FROM training_runs), 0)`,
	).Scan(&total, &speciesAffected)
	return total, speciesAffected, err
}

// MarkTrained records that a training run consumed every image indexed so far.
func (s *Store) MarkTrained(ctx context.Context, note string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO training_runs (last_image_id, note, completed_at)
		 VALUES (COALESCE((SELECT MAX(id) FROM dataset_images), 0), ?, ?)`,
		note, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ImagesBySpecies returns the full per-species image count.
func (s *Store) ImagesBySpecies(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT species, COUNT(*) FROM dataset_images GROUP BY species`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sp string
		var n int
		if err := rows.Scan(&sp, &n); err != nil {
			return nil, err
		}
		out[sp] = n
	}
	return out, rows.Err()
}
