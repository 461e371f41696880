package domain

// SortKey selects the vulnerability field the triage view orders by
type SortKey string

// SortDir selects the ordering direction
type SortDir string

const (
	SortByEPSS      SortKey = "epss"
	SortByCVSS      SortKey = "cvss"
	SortByPublished SortKey = "published"
	SortByKEV       SortKey = "knownExploited"

	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// FilterSpec describes the triage view filters. Empty vendor/product means
// no term filter, MaxAgeDays of 0 means unbounded by recency.
type FilterSpec struct {
	Vendor             string  `json:"vendor"`
	Product            string  `json:"product"`
	MinCVSS            float64 `json:"minCvss"`
	MaxCVSS            float64 `json:"maxCvss"`
	OnlyKnownExploited bool    `json:"onlyKnownExploited"`
	MinEPSS            float64 `json:"minEpss"`
	MaxAgeDays         int     `json:"maxAgeDays"`
	SortKey            SortKey `json:"sortKey"`
	SortDir            SortDir `json:"sortDir"`
}

// DefaultFilterSpec returns the filter state a fresh install starts with
func DefaultFilterSpec() FilterSpec {
	return FilterSpec{
		MinCVSS:    0,
		MaxCVSS:    10,
		MinEPSS:    0,
		MaxAgeDays: 30,
		SortKey:    SortByEPSS,
		SortDir:    SortDesc,
	}
}

// Normalized returns the spec with unset fields brought to their defaults
// and out-of-range values clamped. A partial update leaves MaxCVSS at zero,
// which would exclude every scored item, so zero means "default".
func (f FilterSpec) Normalized() FilterSpec {
	if f.MaxCVSS == 0 {
		f.MaxCVSS = 10
	}
	f.MinCVSS = clamp(f.MinCVSS, 0, 10)
	f.MaxCVSS = clamp(f.MaxCVSS, 0, 10)
	f.MinEPSS = clamp(f.MinEPSS, 0, 1)
	if f.MaxAgeDays < 0 {
		f.MaxAgeDays = 0
	}
	switch f.SortKey {
	case SortByEPSS, SortByCVSS, SortByPublished, SortByKEV:
	default:
		f.SortKey = SortByEPSS
	}
	switch f.SortDir {
	case SortAsc, SortDesc:
	default:
		f.SortDir = SortDesc
	}
	return f
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TriageOverlay carries per-item user state layered over fetched batches.
// Pinned and ignored are independent sets; an id present in both is dropped
// by the view before pinning is ever considered, so ignore wins. Notified
// only grows for the lifetime of the overlay.
type TriageOverlay struct {
	Pinned   []string            `json:"pinned"`
	Ignored  []string            `json:"ignored"`
	Tags     map[string][]string `json:"tags,omitempty"`
	Notified []string            `json:"notified,omitempty"`
}

// TogglePin adds the id to the pinned set, or removes it if present
func (o *TriageOverlay) TogglePin(id string) {
	o.Pinned = toggle(o.Pinned, id)
}

// ToggleIgnore adds the id to the ignored set, or removes it if present
func (o *TriageOverlay) ToggleIgnore(id string) {
	o.Ignored = toggle(o.Ignored, id)
}

// AddTag attaches a tag to the id, ignoring blanks and duplicates
func (o *TriageOverlay) AddTag(id, tag string) {
	if tag == "" {
		return
	}
	if o.Tags == nil {
		o.Tags = map[string][]string{}
	}
	for _, t := range o.Tags[id] {
		if t == tag {
			return
		}
	}
	o.Tags[id] = append(o.Tags[id], tag)
}

// RemoveTag detaches a tag from the id, dropping the id's entry when empty
func (o *TriageOverlay) RemoveTag(id, tag string) {
	tags := o.Tags[id]
	for i, t := range tags {
		if t == tag {
			o.Tags[id] = append(tags[:i:i], tags[i+1:]...)
			break
		}
	}
	if len(o.Tags[id]) == 0 {
		delete(o.Tags, id)
	}
}

func toggle(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return append(list, id)
}
