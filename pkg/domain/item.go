package domain

import "time"

// Kind identifies which upstream family an item came from
type Kind string

const (
	KindActivity      Kind = "activity"
	KindArticle       Kind = "article"
	KindVulnerability Kind = "vulnerability"
	KindCompetition   Kind = "competition"
)

// Item is the canonical record all source adapters map into.
// ID is unique within one fetch batch from the same source.
type Item struct {
	ID         string     `json:"id"`
	Kind       Kind       `json:"kind"`
	Title      string     `json:"title"`
	Published  *time.Time `json:"published,omitempty"`
	SourceName string     `json:"sourceName"`
	URL        string     `json:"url"`
}

// Vulnerability extends the canonical item with scoring and catalog fields.
// Pointers distinguish "not reported" from zero values.
type Vulnerability struct {
	Item
	Summary        string   `json:"summary,omitempty"`
	CVSSScore      *float64 `json:"cvssScore,omitempty"`
	Products       []string `json:"products,omitempty"`
	EPSSScore      *float64 `json:"epssScore,omitempty"`
	EPSSPercentile *float64 `json:"epssPercentile,omitempty"`
	KnownExploited bool     `json:"knownExploited"`
}

// Competition extends the canonical item with CTF event details
type Competition struct {
	Item
	Finish *time.Time `json:"finish,omitempty"`
	Format string     `json:"format,omitempty"`
	Onsite bool       `json:"onsite"`
}

// SourceSpec is one user-supplied feed source. The list is ordered and
// duplicates are allowed, each entry is fetched as supplied.
type SourceSpec struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
