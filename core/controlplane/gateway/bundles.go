package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/cordum/plugind/core/plugins"
	"github.com/cordum/plugind/core/plugins/registry"
)

type bundleSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type bundleDetail struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Tools        []map[string]any `json:"tools"`
	Instructions string           `json:"instructions,omitempty"`
}

func (s *server) snapshot(w http.ResponseWriter) (*registry.Snapshot, bool) {
	snap, err := registry.Scan(s.root)
	if err != nil {
		writeError(w, plugins.Wrap(plugins.KindInternal, err, "failed to read plugins directory"))
		return nil, false
	}
	return snap, true
}

func (s *server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	out := make([]bundleSummary, 0, len(snap.Bundles))
	for _, b := range snap.Bundles {
		out = append(out, bundleSummary{Name: b.Manifest.Name, Description: b.Manifest.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": out})
}

func (s *server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	b, found := snap.FindBundle(name)
	if !found {
		writeError(w, plugins.Errorf(plugins.KindNotFound, "plugin %q not found", name))
		return
	}
	detail := bundleDetail{
		Name:         b.Manifest.Name,
		Description:  b.Manifest.Description,
		Tools:        make([]map[string]any, 0, len(b.Tools)),
		Instructions: b.Manifest.InstructionsExcerpt(s.excerpt),
	}
	for _, t := range b.Tools {
		detail.Tools = append(detail.Tools, t.Manifest.Public())
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleRunTool always answers 200 once the tool was resolved; success or
// failure of the run itself is in the payload.
func (s *server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxToolInputBytes)
	input, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "tool input too large"})
			return
		}
		writeError(w, plugins.Errorf(plugins.KindInvalidRequestBody, "failed to read request body"))
		return
	}
	res, err := s.tools.RunTool(r.Context(), r.PathValue("name"), r.PathValue("tool"), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type installRequest struct {
	URL string `json:"url"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type configureRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
}

func (s *server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, plugins.Errorf(plugins.KindInvalidRequestBody, "url is required"))
		return
	}
	res, err := s.lifecycle.Install(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.lifecycle.Update(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.lifecycle.Remove(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var req configureRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Config == nil {
		writeError(w, plugins.Errorf(plugins.KindInvalidRequestBody, "config must be a JSON object"))
		return
	}
	res, err := s.lifecycle.Configure(r.Context(), req.Name, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
