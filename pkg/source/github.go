package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hardrivetech/secdash/pkg/domain"
	"github.com/hardrivetech/secdash/pkg/fetch"
)

// maxActivityItems caps how many events one refresh surfaces
const maxActivityItems = 20

// GitHubAdapter fetches a user's public activity from the GitHub events API
type GitHubAdapter struct {
	resolver *fetch.Resolver
	apiBase  string
}

// NewGitHubAdapter creates the adapter. apiBase defaults to the public API.
func NewGitHubAdapter(resolver *fetch.Resolver, apiBase string) *GitHubAdapter {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &GitHubAdapter{resolver: resolver, apiBase: apiBase}
}

// githubEvent is the subset of the events payload the dashboard uses
type githubEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	CreatedAt *time.Time `json:"created_at"`
	Payload   struct {
		Commits []struct {
			Message string `json:"message"`
		} `json:"commits"`
	} `json:"payload"`
}

// FetchEvents returns the user's most recent public events, newest first as
// the API serves them, truncated to 20. The call is always direct: the
// bearer token must never transit a third-party proxy.
func (a *GitHubAdapter) FetchEvents(ctx context.Context, user, token string) ([]domain.Item, error) {
	header := http.Header{"Accept": []string{"application/vnd.github+json"}}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	endpoint := fmt.Sprintf("%s/users/%s/events/public", a.apiBase, url.PathEscape(user))
	body, err := a.resolver.Direct(ctx, fetch.Request{URL: endpoint, Header: header})
	if err != nil {
		return nil, fmt.Errorf("github events for %s: %w", user, err)
	}

	var events []githubEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode github events: %w", err)
	}

	if len(events) > maxActivityItems {
		events = events[:maxActivityItems]
	}

	items := make([]domain.Item, 0, len(events))
	for _, ev := range events {
		title := ev.Type
		if ev.Repo.Name != "" {
			title = fmt.Sprintf("%s %s", ev.Type, ev.Repo.Name)
		}
		if len(ev.Payload.Commits) > 0 && ev.Payload.Commits[0].Message != "" {
			title = fmt.Sprintf("%s: %s", title, ev.Payload.Commits[0].Message)
		}
		items = append(items, domain.Item{
			ID:         ev.ID,
			Kind:       domain.KindActivity,
			Title:      title,
			Published:  ev.CreatedAt,
			SourceName: "github",
			URL:        "https://github.com/" + ev.Repo.Name,
		})
	}
	return items, nil
}
