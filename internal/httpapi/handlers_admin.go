package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/jordanhubbard/cdnrewriter/internal/circuitbreaker"
	"github.com/jordanhubbard/cdnrewriter/internal/clean"
	"github.com/jordanhubbard/cdnrewriter/internal/lock"
	"github.com/jordanhubbard/cdnrewriter/internal/paths"
	"github.com/jordanhubbard/cdnrewriter/internal/queue"
	"github.com/jordanhubbard/cdnrewriter/internal/settings"
	"github.com/jordanhubbard/cdnrewriter/internal/store"
)

// PathRow is one entry of the path listing.
type PathRow struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	TTL       int64  `json:"ttl,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Integrity string `json:"integrity,omitempty"`
	Handle    string `json:"handle,omitempty"`
	Type      string `json:"type,omitempty"`
}

type statusResponse struct {
	Version    string                `json:"version"`
	CDNURL     string                `json:"cdn_url"`
	Active     int                   `json:"active"`
	Inactive   int                   `json:"inactive"`
	Queued     int                   `json:"queued"`
	Processing bool                  `json:"processing"`
	Dispatch   *circuitbreaker.Stats `json:"dispatch,omitempty"`
}

func StatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		tbl, err := paths.Load(ctx, d.Store, d.Keys.Document)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cdn, err := d.Settings.CDNBaseURL(ctx)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		held, err := lock.New(d.Store, d.Keys.Lock).Held(ctx)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := statusResponse{Version: d.Version, CDNURL: cdn, Processing: held}
		resp.Active, resp.Inactive, resp.Queued = tbl.Counts()
		if d.Breaker != nil {
			st := d.Breaker.Stats()
			resp.Dispatch = &st
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func CleanHandler(d Dependencies) http.HandlerFunc {
	type cleanReq struct {
		Action string `json:"action"`
		Path   string `json:"path"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req cleanReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		ctx := r.Context()
		var (
			removed int
			err     error
		)
		switch req.Action {
		case "all":
			err = d.Cleaner.All(ctx, "admin request")
		case "expired":
			removed, err = d.Cleaner.Expired(ctx)
		case "starting-with":
			if req.Path == "" {
				jsonError(w, "path is required", http.StatusBadRequest)
				return
			}
			removed, err = d.Cleaner.StartingWith(ctx, req.Path)
		default:
			jsonError(w, "action must be one of all, expired, starting-with", http.StatusBadRequest)
			return
		}
		if errors.Is(err, store.ErrLockHeld) {
			jsonError(w, "queue processing in progress, try again shortly", http.StatusConflict)
			return
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "action": req.Action, "removed": removed})
	}
}

// PathsListHandler lists stored paths. ?type= takes a comma-separated subset
// of active, inactive and queue.
func PathsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := parseStatuses(r.URL.Query().Get("type"))
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err := listPaths(r.Context(), d, statuses)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"paths": rows, "count": len(rows)})
	}
}

func parseStatuses(raw string) ([]store.Status, error) {
	all := []store.Status{store.StatusActive, store.StatusInactive, store.StatusQueue}
	if raw == "" {
		return all, nil
	}
	var out []store.Status
	for _, part := range strings.Split(raw, ",") {
		st := store.Status(strings.TrimSpace(part))
		switch st {
		case store.StatusActive, store.StatusInactive, store.StatusQueue:
			out = append(out, st)
		default:
			return nil, errors.New("type must be active, inactive or queue")
		}
	}
	return out, nil
}

func listPaths(ctx context.Context, d Dependencies, statuses []store.Status) ([]PathRow, error) {
	doc, err := store.LoadCurrent(ctx, d.Store, d.Keys.Document)
	if err != nil {
		return nil, err
	}
	rows := []PathRow{}
	if doc == nil {
		return rows, nil
	}
	sctx, err := d.Contexts.New(ctx, paths.New(doc), nil)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		m := doc.Map(st)
		keys := make([]string, 0, len(m))
		for p := range m {
			keys = append(keys, p)
		}
		if st == store.StatusQueue {
			keys = doc.QueuedPaths()
		} else {
			sort.Strings(keys)
		}
		for _, p := range keys {
			rec := m[p]
			row := PathRow{Path: p, Status: string(st), TTL: rec.TTL}
			switch st {
			case store.StatusActive:
				row.Integrity = rec.Integrity
				if rec.URL != "" {
					row.RemoteURL = rec.URL
				} else if u, err := sctx.RemoteURL(p); err == nil {
					row.RemoteURL = u
				}
			case store.StatusQueue:
				row.Handle = rec.Handle
				row.Type = rec.Type
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// QueueProcessHandler forces an unbounded processing pass.
func QueueProcessHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := d.Queue.Process(r.Context(), queue.Options{MaxItems: queue.Unbounded})
		if errors.Is(err, queue.ErrLocked) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			d.logger().Error("forced queue processing failed", slog.String("error", err.Error()))
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func SettingsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := d.Settings.CDNBaseURL(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cdn_url": v, "configured": v != ""})
	}
}

func SettingsSetHandler(d Dependencies) http.HandlerFunc {
	type setReq struct {
		CDNURL string `json:"cdn_url"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req setReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		v, err := settings.Sanitize(req.CDNURL)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.Settings.Set(r.Context(), v); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cdn_url": v})
	}
}

func SettingsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Settings.Delete(r.Context()); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// UninstallHandler removes every persisted key in both scopes.
func UninstallHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := clean.Uninstall(r.Context(), d.Store); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.logger().Warn("all cdnrewriter data removed")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
