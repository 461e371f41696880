package enrich

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hardrivetech/secdash/pkg/domain"
	"github.com/hardrivetech/secdash/pkg/fetch"
)

// Joiner attaches EPSS scores and the known-exploited flag to a
// vulnerability batch. Both auxiliary feeds are fetched once per call,
// batched over the full id set, so the request count stays constant no
// matter how many items arrive. Enrichment is best-effort: a failed
// auxiliary fetch degrades to null scores / false flags and never blocks
// the base list.
type Joiner struct {
	resolver *fetch.Resolver
	epssBase string // id list appended as the cve query parameter
	kevURL   string
}

// NewJoiner creates a joiner with default endpoints unless overridden
func NewJoiner(resolver *fetch.Resolver, epssBase, kevURL string) *Joiner {
	if epssBase == "" {
		epssBase = "https://api.first.org/data/v1/epss?cve="
	}
	if kevURL == "" {
		kevURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	}
	return &Joiner{resolver: resolver, epssBase: epssBase, kevURL: kevURL}
}

type epssScore struct {
	score      *float64
	percentile *float64
}

// epssResponse is the scoring feed shape; score fields arrive as strings
type epssResponse struct {
	Data []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
	} `json:"data"`
}

// kevCatalog is the known-exploited catalog shape
type kevCatalog struct {
	Vulnerabilities []struct {
		CVEID string `json:"cveID"`
	} `json:"vulnerabilities"`
}

// Enrich returns a new batch with scoring and catalog fields attached by
// id. Input order does not affect any item's enriched fields. Ids never
// present in the auxiliary data keep null scores and a false flag.
func (j *Joiner) Enrich(ctx context.Context, vulns []domain.Vulnerability) []domain.Vulnerability {
	if len(vulns) == 0 {
		return vulns
	}

	ids := make([]string, 0, len(vulns))
	for _, v := range vulns {
		if v.ID != "" {
			ids = append(ids, v.ID)
		}
	}

	var scores map[string]epssScore
	var exploited map[string]struct{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scores = j.fetchScores(gctx, ids)
		return nil
	})
	g.Go(func() error {
		exploited = j.fetchCatalog(gctx)
		return nil
	})
	_ = g.Wait() // both fetches are best-effort

	out := make([]domain.Vulnerability, len(vulns))
	for i, v := range vulns {
		if s, ok := scores[v.ID]; ok {
			v.EPSSScore = s.score
			v.EPSSPercentile = s.percentile
		}
		_, v.KnownExploited = exploited[v.ID]
		out[i] = v
	}
	return out
}

func (j *Joiner) fetchScores(ctx context.Context, ids []string) map[string]epssScore {
	if len(ids) == 0 {
		return nil
	}

	var resp epssResponse
	endpoint := j.epssBase + url.QueryEscape(strings.Join(ids, ","))
	if err := j.resolver.FetchJSON(ctx, fetch.Request{URL: endpoint}, &resp); err != nil {
		log.Printf("[WARN] epss scoring unavailable: %v", err)
		return nil
	}

	scores := make(map[string]epssScore, len(resp.Data))
	for _, row := range resp.Data {
		if row.CVE == "" {
			continue
		}
		scores[row.CVE] = epssScore{
			score:      parseScore(row.EPSS),
			percentile: parseScore(row.Percentile),
		}
	}
	return scores
}

func (j *Joiner) fetchCatalog(ctx context.Context) map[string]struct{} {
	body, err := j.resolver.Fetch(ctx, fetch.Request{URL: j.kevURL})
	if err != nil {
		log.Printf("[WARN] known-exploited catalog unavailable: %v", err)
		return nil
	}

	var catalog kevCatalog
	if err := json.Unmarshal(body, &catalog); err != nil {
		log.Printf("[WARN] known-exploited catalog unreadable: %v", err)
		return nil
	}

	set := make(map[string]struct{}, len(catalog.Vulnerabilities))
	for _, v := range catalog.Vulnerabilities {
		if v.CVEID != "" {
			set[v.CVEID] = struct{}{}
		}
	}
	return set
}

func parseScore(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
