package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/plantid-api/internal/species"
)

// SpeciesLookup serves reference data from the species_info table.
type SpeciesLookup struct {
	store  *Store
	logger *zap.Logger
}

func (s *Store) SpeciesLookup(logger *zap.Logger) *SpeciesLookup {
	return &SpeciesLookup{store: s, logger: logger}
}

func (l *SpeciesLookup) Get(ctx context.Context, name string) species.Info {
	name = strings.TrimSpace(name)
	if name == "" {
		return species.NotFound(name)
	}

	info := species.Info{ScientificName: name}
	err := l.store.db.QueryRowContext(ctx,
		`SELECT scientific_name, common_name, description, taxonomy, care_info
		 FROM species_info WHERE scientific_name = ?`,
		name,
	).Scan(&info.ScientificName, &info.CommonName, &info.Description, &info.Taxonomy, &info.CareInfo)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return species.NotFound(name)
	case err != nil:
		l.logger.Warn("species lookup failed", zap.String("species", name), zap.Error(err))
		return species.LookupError(name)
	}
	info.Source = species.SourceFound
	return info
}

// UpsertSpeciesInfo inserts or replaces reference rows in one transaction.
func (s *Store) UpsertSpeciesInfo(ctx context.Context, infos []species.Info) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO species_info (scientific_name, common_name, description, taxonomy, care_info)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scientific_name) DO UPDATE SET
		   common_name = excluded.common_name,
		   description = excluded.description,
		   taxonomy    = excluded.taxonomy,
		   care_info   = excluded.care_info`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, info := range infos {
		name := strings.TrimSpace(info.ScientificName)
		if name == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, name, info.CommonName, info.Description, info.Taxonomy, info.CareInfo); err != nil {
			return n, err
		}
		n++
	}
	return n, tx.Commit()
}
