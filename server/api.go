package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hardrivetech/secdash/pkg/agg"
	"github.com/hardrivetech/secdash/pkg/backup"
	"github.com/hardrivetech/secdash/pkg/domain"
	"github.com/hardrivetech/secdash/pkg/store"
	"github.com/hardrivetech/secdash/pkg/triage"
)

// dashboardResponse is the full dashboard payload: the refreshed snapshot
// with the vulnerability list already filtered and sorted, plus the alert
// batch and the state the filtering was done with
type dashboardResponse struct {
	Activity        []domain.Item          `json:"activity"`
	Articles        []domain.Item          `json:"articles"`
	Vulnerabilities []domain.Vulnerability `json:"vulnerabilities"`
	Competitions    []domain.Competition   `json:"competitions"`
	Alerts          []domain.Vulnerability `json:"alerts"`
	Filters         domain.FilterSpec      `json:"filters"`
	Triage          domain.TriageOverlay   `json:"triage"`
	Errors          map[string]string      `json:"errors,omitempty"`
	FetchedAt       time.Time              `json:"fetchedAt"`
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sources, err := s.store.Sources(ctx)
	if err != nil {
		RenderError(w, r, fmt.Errorf("load sources: %w", err), http.StatusInternalServerError)
		return
	}
	srcCfg := s.config.GetSourcesConfig()
	if len(sources) == 0 {
		for _, f := range srcCfg.Feeds {
			sources = append(sources, domain.SourceSpec{Name: f.Name, URL: f.URL})
		}
	}

	params := agg.Params{GitHubUser: srcCfg.GitHubUser, Sources: sources}
	if token, terr := s.store.Get(ctx, store.KeyToken); terr == nil {
		params.GitHubToken = string(token)
	}

	snap := s.agg.Refresh(ctx, params)

	filters, err := s.store.Filters(ctx)
	if err != nil {
		RenderError(w, r, fmt.Errorf("load filters: %w", err), http.StatusInternalServerError)
		return
	}
	overlay, err := s.store.Overlay(ctx)
	if err != nil {
		RenderError(w, r, fmt.Errorf("load triage state: %w", err), http.StatusInternalServerError)
		return
	}

	alerts, notified := triage.ComputeAlerts(snap.Vulnerabilities, overlay.Notified)
	if len(notified) != len(overlay.Notified) {
		overlay.Notified = notified
		if serr := s.store.SaveOverlay(ctx, overlay); serr != nil {
			log.Printf("[WARN] can't persist notified set: %v", serr)
		}
	}

	RenderJSON(w, r, http.StatusOK, dashboardResponse{
		Activity:        snap.Activity,
		Articles:        snap.Articles,
		Vulnerabilities: triage.View(snap.Vulnerabilities, filters, overlay),
		Competitions:    snap.Competitions,
		Alerts:          alerts,
		Filters:         filters,
		Triage:          overlay,
		Errors:          snap.Errors,
		FetchedAt:       snap.FetchedAt,
	})
}

func (s *Server) filtersHandler(w http.ResponseWriter, r *http.Request) {
	var spec domain.FilterSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		RenderError(w, r, fmt.Errorf("decode filters: %w", err), http.StatusBadRequest)
		return
	}
	spec = spec.Normalized()
	if err := s.store.SaveFilters(r.Context(), spec); err != nil {
		RenderError(w, r, fmt.Errorf("save filters: %w", err), http.StatusInternalServerError)
		return
	}
	RenderJSON(w, r, http.StatusOK, spec)
}

func (s *Server) vulnActionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, action := r.PathValue("id"), r.PathValue("action")
	if id == "" {
		RenderError(w, r, fmt.Errorf("vulnerability id required"), http.StatusBadRequest)
		return
	}

	overlay, err := s.store.Overlay(ctx)
	if err != nil {
		RenderError(w, r, fmt.Errorf("load triage state: %w", err), http.StatusInternalServerError)
		return
	}

	switch action {
	case "pin":
		overlay.TogglePin(id)
	case "ignore":
		overlay.ToggleIgnore(id)
	case "tag", "untag":
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tag == "" {
			RenderError(w, r, fmt.Errorf("tag required"), http.StatusBadRequest)
			return
		}
		if action == "tag" {
			overlay.AddTag(id, body.Tag)
		} else {
			overlay.RemoveTag(id, body.Tag)
		}
	default:
		RenderError(w, r, fmt.Errorf("unknown action %q", action), http.StatusBadRequest)
		return
	}

	if err := s.store.SaveOverlay(ctx, overlay); err != nil {
		RenderError(w, r, fmt.Errorf("save triage state: %w", err), http.StatusInternalServerError)
		return
	}
	RenderJSON(w, r, http.StatusOK, overlay)
}

func (s *Server) backupHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := s.store.Get(ctx, store.KeyToken)
	if err != nil || len(token) == 0 {
		RenderError(w, r, fmt.Errorf("not authenticated"), http.StatusUnauthorized)
		return
	}

	payload, err := s.collectPayload(ctx)
	if err != nil {
		RenderError(w, r, err, http.StatusInternalServerError)
		return
	}

	backups := s.backups(ctx, string(token))
	blobs, err := backups.Blobs(payload)
	if err != nil {
		RenderError(w, r, fmt.Errorf("assemble backup: %w", err), http.StatusInternalServerError)
		return
	}

	docID := ""
	if blob, gerr := s.store.Get(ctx, store.KeyGistID); gerr == nil {
		docID = string(blob)
	}

	id, err := backups.CreateOrUpdate(ctx, docID, blobs)
	if err != nil {
		RenderError(w, r, fmt.Errorf("write backup: %w", err), http.StatusBadGateway)
		return
	}
	if err := s.store.Set(ctx, store.KeyGistID, []byte(id)); err != nil {
		log.Printf("[WARN] can't persist backup document id: %v", err)
	}

	RenderJSON(w, r, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) restoreHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := r.PathValue("id")

	token, err := s.store.Get(ctx, store.KeyToken)
	if err != nil || len(token) == 0 {
		RenderError(w, r, fmt.Errorf("not authenticated"), http.StatusUnauthorized)
		return
	}

	blobs, err := s.backups(ctx, string(token)).Read(ctx, docID)
	if err != nil {
		RenderError(w, r, fmt.Errorf("read backup %s: %w", docID, err), http.StatusBadGateway)
		return
	}
	payload, err := backup.ParsePayload(blobs)
	if err != nil {
		RenderError(w, r, fmt.Errorf("parse backup %s: %w", docID, err), http.StatusBadGateway)
		return
	}

	// the notified set is local delivery state, a restore must not reset it
	current, err := s.store.Overlay(ctx)
	if err != nil {
		RenderError(w, r, fmt.Errorf("load triage state: %w", err), http.StatusInternalServerError)
		return
	}
	payload.Overlay.Notified = current.Notified

	if err := s.applyPayload(ctx, docID, payload); err != nil {
		RenderError(w, r, err, http.StatusInternalServerError)
		return
	}

	RenderJSON(w, r, http.StatusOK, map[string]interface{}{
		"id":      docID,
		"sources": len(payload.Sources),
		"pinned":  len(payload.Overlay.Pinned),
		"ignored": len(payload.Overlay.Ignored),
	})
}

func (s *Server) collectPayload(ctx context.Context) (backup.Payload, error) {
	var p backup.Payload

	bookmarks, err := s.store.Get(ctx, store.KeyBookmarks)
	if err != nil {
		return p, fmt.Errorf("load bookmarks: %w", err)
	}
	p.Bookmarks = bookmarks

	notes, err := s.store.Get(ctx, store.KeyNotes)
	if err != nil {
		return p, fmt.Errorf("load notes: %w", err)
	}
	p.Notes = string(notes)

	if p.Sources, err = s.store.Sources(ctx); err != nil {
		return p, fmt.Errorf("load sources: %w", err)
	}
	if p.Overlay, err = s.store.Overlay(ctx); err != nil {
		return p, fmt.Errorf("load triage state: %w", err)
	}
	return p, nil
}

func (s *Server) applyPayload(ctx context.Context, docID string, p backup.Payload) error {
	if len(p.Bookmarks) > 0 {
		if err := s.store.Set(ctx, store.KeyBookmarks, p.Bookmarks); err != nil {
			return fmt.Errorf("restore bookmarks: %w", err)
		}
	}
	if p.Notes != "" {
		if err := s.store.Set(ctx, store.KeyNotes, []byte(p.Notes)); err != nil {
			return fmt.Errorf("restore notes: %w", err)
		}
	}
	if len(p.Sources) > 0 {
		if err := s.store.SaveSources(ctx, p.Sources); err != nil {
			return fmt.Errorf("restore sources: %w", err)
		}
	}
	if err := s.store.SaveOverlay(ctx, p.Overlay); err != nil {
		return fmt.Errorf("restore triage state: %w", err)
	}
	if err := s.store.Set(ctx, store.KeyGistID, []byte(docID)); err != nil {
		return fmt.Errorf("persist backup document id: %w", err)
	}
	return nil
}
