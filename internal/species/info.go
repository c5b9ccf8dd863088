package species

import "context"

type Source string

const (
	SourceFound    Source = "found"
	SourceNotFound Source = "not_found"
	SourceError    Source = "error"
)

// Info is the reference data shown next to an identification.
type Info struct {
	ScientificName string `json:"scientific_name" yaml:"scientific_name"`
	CommonName     string `json:"common_name,omitempty" yaml:"common_name"`
	Description    string `json:"description,omitempty" yaml:"description"`
	Taxonomy       string `json:"taxonomy,omitempty" yaml:"taxonomy"`
	CareInfo       string `json:"care_info,omitempty" yaml:"care_info"`
	Source         Source `json:"source" yaml:"-"`
}

// Degraded reports whether the identification has to be shown without enrichment.
func (i Info) Degraded() bool {
	return i.Source != SourceFound
}

// Lookup resolves reference data for a species. Absence is reported through
// Info.Source, never as an error.
type Lookup interface {
	Get(ctx context.Context, scientificName string) Info
}

func NotFound(name string) Info {
	return Info{ScientificName: name, Source: SourceNotFound}
}

func LookupError(name string) Info {
	return Info{ScientificName: name, Source: SourceError}
}
