package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/cdnrewriter/internal/rewrite"
)

const (
	maxRenderBody   = 1 << 20
	maxRenderAssets = 2000
)

type renderAsset struct {
	URL    string `json:"url"`
	Handle string `json:"handle"`
	Type   string `json:"type"`
	Tag    string `json:"tag,omitempty"`
}

type renderRequest struct {
	Assets []renderAsset `json:"assets"`
}

type renderedAsset struct {
	rewrite.Outcome
	Tag string `json:"tag,omitempty"`
}

type renderResponse struct {
	ExecutionID string          `json:"execution_id"`
	Assets      []renderedAsset `json:"assets"`
	Queued      int             `json:"queued"`
	Scheduled   bool            `json:"scheduled"`
}

// RenderHandler runs one execution over the assets of a page render. It
// never fails on rewrite problems: affected assets pass through unchanged.
func RenderHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRenderBody)).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Assets) > maxRenderAssets {
			jsonError(w, "too many assets", http.StatusRequestEntityTooLarge)
			return
		}

		ctx := r.Context()
		x := d.Engine.Begin(ctx)
		resp := renderResponse{ExecutionID: x.ID, Assets: make([]renderedAsset, 0, len(req.Assets))}
		for _, a := range req.Assets {
			resp.Assets = append(resp.Assets, renderedAsset{Outcome: x.Rewrite(a.URL, a.Handle, a.Type)})
		}
		// Integrity is known once every asset has been considered.
		for i, a := range req.Assets {
			if a.Tag == "" {
				continue
			}
			tag := a.Tag
			if resp.Assets[i].Integrity != "" {
				tag = x.Integrity().Inject(a.Type, a.Handle, tag)
			}
			resp.Assets[i].Tag = tag
		}

		rep, err := x.Finish(ctx)
		if err != nil {
			d.logger().Warn("render finish failed",
				slog.String("execution_id", x.ID),
				slog.String("request_id", middleware.GetReqID(ctx)),
				slog.String("error", err.Error()))
		}
		resp.Queued = rep.Queued
		resp.Scheduled = rep.Scheduled
		writeJSON(w, http.StatusOK, resp)
	}
}
