package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/plantid-api/internal/config"
	"github.com/Brownie44l1/plantid-api/internal/retrain"
	"github.com/Brownie44l1/plantid-api/internal/species"
	"github.com/Brownie44l1/plantid-api/internal/storage/sqlite"
)

type app struct {
	configPath string
	note       string

	cfg   config.Config
	store *sqlite.Store
}

func (a *app) open(cmd *cobra.Command) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	a.store, err = sqlite.Open(a.cfg.Storage.DBPath, a.cfg.Storage.HistoryMax)
	return err
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *app) runAssess(cmd *cobra.Command, _ []string) error {
	assessment, err := retrain.Evaluate(cmd.Context(), a.store, a.cfg.Retrain.Criteria)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "new images:        %d (need %d)\n", assessment.TotalNewImages, a.cfg.Retrain.Criteria.MinTotalNewImages)
	fmt.Fprintf(out, "species affected:  %d (need %d)\n", assessment.SpeciesAffected, a.cfg.Retrain.Criteria.MinSpeciesWithNewImages)
	if assessment.Needed {
		fmt.Fprintln(out, "retraining recommended")
	} else {
		fmt.Fprintln(out, "retraining not needed yet")
	}
	return nil
}

func (a *app) runStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	history, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	accuracy, err := a.store.FeedbackBySpecies(ctx)
	if err != nil {
		return err
	}
	images, err := a.store.ImagesBySpecies(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"sessions":           history,
		"accuracy":           accuracy,
		"dataset_by_species": images,
	})
}

func (a *app) runMarkTrained(cmd *cobra.Command, _ []string) error {
	marker, err := a.store.MarkTrained(cmd.Context(), a.note)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "training run recorded; images up to #%d are now considered trained\n", marker)
	return nil
}

func (a *app) runImportSpecies(cmd *cobra.Command, args []string) error {
	infos, err := readSpeciesFile(args[0])
	if err != nil {
		return err
	}
	n, err := a.store.UpsertSpeciesInfo(cmd.Context(), infos)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d species\n", n, len(infos))
	return nil
}

// readSpeciesFile accepts either a bare list or a document with a top-level
// "species" key.
func readSpeciesFile(path string) ([]species.Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Species []species.Info `yaml:"species"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Species) > 0 {
		return doc.Species, nil
	}

	var list []species.Info
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return list, nil
}
