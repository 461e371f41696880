package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-github/v53/github"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/oauth2"

	"github.com/hardrivetech/secdash/pkg/domain"
)

// the four named blobs one backup document carries
const (
	FileBookmarks = "bookmarks.json"
	FileNotes     = "notes.html"
	FileSources   = "rss-sources.json"
	FileTriage    = "cve-state.json"
)

const gistDescription = "secdash data backup"

// triageState is the persisted slice of the overlay. The notified set is
// deliberately not backed up: it is local delivery state, restoring it on
// another machine would suppress alerts that were never shown there.
type triageState struct {
	Pinned  []string            `json:"pinned"`
	Ignored []string            `json:"ignored"`
	Tags    map[string][]string `json:"tags"`
}

// Payload is the dashboard state one backup document carries
type Payload struct {
	Bookmarks json.RawMessage
	Notes     string
	Sources   []domain.SourceSpec
	Overlay   domain.TriageOverlay
}

// GistStore keeps versioned backup documents as secret gists, each document
// a fixed set of named text blobs keyed by an opaque gist id
type GistStore struct {
	client    *github.Client
	http      *http.Client
	sanitizer *bluemonday.Policy
}

// New creates a store authenticated with the given token
func New(ctx context.Context, token string) *GistStore {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	return newWithClient(github.NewClient(httpClient), httpClient)
}

func newWithClient(client *github.Client, httpClient *http.Client) *GistStore {
	return &GistStore{
		client:    client,
		http:      httpClient,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// CreateOrUpdate writes the named blobs, creating a new document when docID
// is empty and patching the existing one otherwise. Returns the document id.
func (g *GistStore) CreateOrUpdate(ctx context.Context, docID string, blobs map[string]string) (string, error) {
	files := make(map[github.GistFilename]github.GistFile, len(blobs))
	for name, content := range blobs {
		files[github.GistFilename(name)] = github.GistFile{Content: github.String(content)}
	}
	gist := &github.Gist{
		Description: github.String(gistDescription),
		Public:      github.Bool(false),
		Files:       files,
	}

	if docID == "" {
		created, _, err := g.client.Gists.Create(ctx, gist)
		if err != nil {
			return "", fmt.Errorf("create backup: %w", err)
		}
		return created.GetID(), nil
	}

	updated, _, err := g.client.Gists.Edit(ctx, docID, gist)
	if err != nil {
		return "", fmt.Errorf("update backup %s: %w", docID, err)
	}
	return updated.GetID(), nil
}

// Read returns the document's named blobs. Raw URLs are preferred over the
// inline content, which the API truncates for large files.
func (g *GistStore) Read(ctx context.Context, docID string) (map[string]string, error) {
	gist, _, err := g.client.Gists.Get(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", docID, err)
	}

	blobs := make(map[string]string, len(gist.Files))
	for name, file := range gist.Files {
		if raw := file.GetRawURL(); raw != "" {
			if content, rerr := g.fetchRaw(ctx, raw); rerr == nil {
				blobs[string(name)] = content
				continue
			}
		}
		blobs[string(name)] = file.GetContent()
	}
	return blobs, nil
}

func (g *GistStore) fetchRaw(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("raw fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Blobs assembles the four named blobs from a payload, sanitizing the
// freeform notes HTML before it leaves the machine
func (g *GistStore) Blobs(p Payload) (map[string]string, error) {
	bookmarks := p.Bookmarks
	if len(bookmarks) == 0 {
		bookmarks = json.RawMessage("[]")
	}
	sources, err := json.MarshalIndent(p.Sources, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	state, err := json.MarshalIndent(triageState{
		Pinned:  p.Overlay.Pinned,
		Ignored: p.Overlay.Ignored,
		Tags:    p.Overlay.Tags,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode triage state: %w", err)
	}

	return map[string]string{
		FileBookmarks: string(bookmarks),
		FileNotes:     g.sanitizer.Sanitize(p.Notes),
		FileSources:   string(sources),
		FileTriage:    string(state),
	}, nil
}

// ParsePayload decodes blobs read back from a document. Missing blobs leave
// their fields zero, unreadable JSON is an error.
func ParsePayload(blobs map[string]string) (Payload, error) {
	var p Payload
	if b, ok := blobs[FileBookmarks]; ok {
		p.Bookmarks = json.RawMessage(b)
	}
	p.Notes = blobs[FileNotes]
	if b, ok := blobs[FileSources]; ok && b != "" {
		if err := json.Unmarshal([]byte(b), &p.Sources); err != nil {
			return p, fmt.Errorf("decode sources: %w", err)
		}
	}
	if b, ok := blobs[FileTriage]; ok && b != "" {
		var state triageState
		if err := json.Unmarshal([]byte(b), &state); err != nil {
			return p, fmt.Errorf("decode triage state: %w", err)
		}
		p.Overlay = domain.TriageOverlay{Pinned: state.Pinned, Ignored: state.Ignored, Tags: state.Tags}
	}
	return p, nil
}
