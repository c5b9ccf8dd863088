// Package dataset files user-confirmed photos into the labeled training set,
// one directory per species.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidLabel = errors.New("invalid species label")

// Index records saved images so new-image counts survive restarts.
type Index interface {
	AddImage(ctx context.Context, species, filename string) error
	CountNewImages(ctx context.Context) (total, speciesAffected int, err error)
}

type Store struct {
	root   string
	index  Index
	logger *zap.Logger
}

func NewStore(root string, index Index, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir %s: %w", root, err)
	}
	return &Store{root: root, index: index, logger: logger}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// DirName maps a species label to its directory name, e.g.
// "Monstera deliciosa" -> "Monstera_deliciosa".
func DirName(label string) string {
	name := unsafeChars.ReplaceAllString(strings.TrimSpace(label), "_")
	return strings.Trim(name, "._")
}

// Save writes image under the label's directory and returns the path relative
// to the dataset root.
func (s *Store) Save(ctx context.Context, image []byte, contentType, label string) (string, error) {
	dir := DirName(label)
	if dir == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	if len(image) == 0 {
		return "", errors.New("empty image")
	}

	if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
		return "", fmt.Errorf("create species dir: %w", err)
	}

	rel := filepath.Join(dir, uuid.NewString()+extension(image, contentType))
	full := filepath.Join(s.root, rel)
	if err := os.WriteFile(full, image, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	if err := s.index.AddImage(ctx, label, rel); err != nil {
		if rmErr := os.Remove(full); rmErr != nil {
			s.logger.Warn("failed to remove unindexed image", zap.String("path", full), zap.Error(rmErr))
		}
		return "", fmt.Errorf("index image: %w", err)
	}

	s.logger.Debug("image added to dataset", zap.String("species", label), zap.String("file", rel))
	return rel, nil
}

func (s *Store) CountNewImages(ctx context.Context) (int, int, error) {
	return s.index.CountNewImages(ctx)
}

func extension(image []byte, contentType string) string {
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(image)
	}
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	default:
		return ".jpg"
	}
}
