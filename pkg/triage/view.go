package triage

import (
	"sort"
	"strings"
	"time"

	"github.com/hardrivetech/secdash/pkg/domain"
)

// View produces the ordered triage view: ignored items dropped first, then
// term/score/age filters, then a stable sort where pinned items always come
// first and null sort values always come last regardless of direction. Pure
// function, the input slice is not modified.
func View(items []domain.Vulnerability, spec domain.FilterSpec, overlay domain.TriageOverlay) []domain.Vulnerability {
	return viewAt(items, spec, overlay, time.Now())
}

// viewAt is View with an injectable clock for the age filter
func viewAt(items []domain.Vulnerability, spec domain.FilterSpec, overlay domain.TriageOverlay, now time.Time) []domain.Vulnerability {
	ignored := toSet(overlay.Ignored)
	pinned := toSet(overlay.Pinned)

	out := make([]domain.Vulnerability, 0, len(items))
	for _, it := range items {
		if _, ok := ignored[it.ID]; ok {
			continue
		}
		if !matchesTerm(it.Products, spec.Vendor) || !matchesTerm(it.Products, spec.Product) {
			continue
		}
		// null cvss is not evidence of exclusion, it passes both bounds
		if it.CVSSScore != nil && (*it.CVSSScore < spec.MinCVSS || *it.CVSSScore > spec.MaxCVSS) {
			continue
		}
		if spec.OnlyKnownExploited && !it.KnownExploited {
			continue
		}
		if it.EPSSScore != nil && *it.EPSSScore < spec.MinEPSS {
			continue
		}
		if spec.MaxAgeDays > 0 && it.Published != nil {
			if now.Sub(*it.Published) > time.Duration(spec.MaxAgeDays)*24*time.Hour {
				continue
			}
		}
		out = append(out, it)
	}

	asc := spec.SortDir == domain.SortAsc
	sort.SliceStable(out, func(i, j int) bool {
		_, iPinned := pinned[out[i].ID]
		_, jPinned := pinned[out[j].ID]
		if iPinned != jPinned {
			return iPinned
		}

		vi, iOk := sortValue(out[i], spec.SortKey)
		vj, jOk := sortValue(out[j], spec.SortKey)
		switch {
		case !iOk && !jOk:
			return false
		case !iOk:
			return false // null sorts last regardless of direction
		case !jOk:
			return true
		case vi == vj:
			return false
		case asc:
			return vi < vj
		default:
			return vi > vj
		}
	})

	return out
}

// matchesTerm reports whether some product contains the term,
// case-insensitive. An empty term matches everything.
func matchesTerm(products []string, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	for _, p := range products {
		if strings.Contains(strings.ToLower(p), term) {
			return true
		}
	}
	return false
}

// sortValue extracts the comparable value for a sort key; ok is false when
// the item has no value for that key
func sortValue(it domain.Vulnerability, key domain.SortKey) (v float64, ok bool) {
	switch key {
	case domain.SortByCVSS:
		if it.CVSSScore == nil {
			return 0, false
		}
		return *it.CVSSScore, true
	case domain.SortByPublished:
		if it.Published == nil {
			return 0, false
		}
		return float64(it.Published.Unix()), true
	case domain.SortByKEV:
		if it.KnownExploited {
			return 1, true
		}
		return 0, true
	default: // epss
		if it.EPSSScore == nil {
			return 0, false
		}
		return *it.EPSSScore, true
	}
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, id := range list {
		set[id] = struct{}{}
	}
	return set
}
