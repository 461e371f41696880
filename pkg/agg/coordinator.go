package agg

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hardrivetech/secdash/pkg/domain"
)

// ActivitySource fetches code-hosting activity for one user
type ActivitySource interface {
	FetchEvents(ctx context.Context, user, token string) ([]domain.Item, error)
}

// ArticleSource fetches the merged news batch; per-source failures are its
// own concern and never surface here
type ArticleSource interface {
	FetchBatch(ctx context.Context, sources []domain.SourceSpec) []domain.Item
}

// VulnSource fetches the current vulnerability batch
type VulnSource interface {
	FetchLatest(ctx context.Context) ([]domain.Vulnerability, error)
}

// CompetitionSource fetches the competition calendar, best-effort
type CompetitionSource interface {
	FetchEvents(ctx context.Context) []domain.Competition
}

// Enricher attaches scoring and catalog data to a vulnerability batch
type Enricher interface {
	Enrich(ctx context.Context, vulns []domain.Vulnerability) []domain.Vulnerability
}

// Params carries the per-refresh inputs the adapters need
type Params struct {
	GitHubUser  string
	GitHubToken string
	Sources     []domain.SourceSpec
}

// Snapshot is one aggregation result. Partial data is the normal case: a
// failed source leaves its slice empty and records the reason in Errors,
// the other sources' results are always kept.
type Snapshot struct {
	Activity        []domain.Item          `json:"activity"`
	Articles        []domain.Item          `json:"articles"`
	Vulnerabilities []domain.Vulnerability `json:"vulnerabilities"`
	Competitions    []domain.Competition   `json:"competitions"`
	Errors          map[string]string      `json:"errors,omitempty"`
	FetchedAt       time.Time              `json:"fetchedAt"`
}

// Coordinator runs the four source adapters concurrently and enriches the
// vulnerability batch before handing the snapshot back
type Coordinator struct {
	activity     ActivitySource
	articles     ArticleSource
	vulns        VulnSource
	competitions CompetitionSource
	enricher     Enricher
}

// New creates a coordinator over the given sources
func New(activity ActivitySource, articles ArticleSource, vulns VulnSource, competitions CompetitionSource, enricher Enricher) *Coordinator {
	return &Coordinator{
		activity:     activity,
		articles:     articles,
		vulns:        vulns,
		competitions: competitions,
		enricher:     enricher,
	}
}

// Refresh fetches all sources concurrently and joins on all of them
// completing. Each source succeeds or fails independently.
func (c *Coordinator) Refresh(ctx context.Context, p Params) *Snapshot {
	snap := &Snapshot{FetchedAt: time.Now().UTC()}
	var activityErr, vulnsErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Activity, activityErr = c.activity.FetchEvents(gctx, p.GitHubUser, p.GitHubToken)
		return nil
	})
	g.Go(func() error {
		snap.Articles = c.articles.FetchBatch(gctx, p.Sources)
		return nil
	})
	g.Go(func() error {
		snap.Vulnerabilities, vulnsErr = c.vulns.FetchLatest(gctx)
		return nil
	})
	g.Go(func() error {
		snap.Competitions = c.competitions.FetchEvents(gctx)
		return nil
	})
	_ = g.Wait() // workers record failures in the snapshot instead

	if activityErr != nil {
		log.Printf("[WARN] activity source failed: %v", activityErr)
		snap.setError("activity", activityErr)
	}
	if vulnsErr != nil {
		log.Printf("[WARN] vulnerability source failed: %v", vulnsErr)
		snap.setError("vulnerabilities", vulnsErr)
	}

	if len(snap.Vulnerabilities) > 0 {
		snap.Vulnerabilities = c.enricher.Enrich(ctx, snap.Vulnerabilities)
	}

	log.Printf("[INFO] aggregated %d activity, %d articles, %d vulnerabilities, %d competitions",
		len(snap.Activity), len(snap.Articles), len(snap.Vulnerabilities), len(snap.Competitions))
	return snap
}

func (s *Snapshot) setError(source string, err error) {
	if s.Errors == nil {
		s.Errors = map[string]string{}
	}
	s.Errors[source] = err.Error()
}
