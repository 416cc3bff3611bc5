package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/listing"
)

// Status values of a StatusResponse.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusOverwrite = "overwrite"
)

// StatusResponse answers a mutation. Overwrite means some uploads were held
// back because their names exist; Conflicts lists them.
type StatusResponse struct {
	Status    string                  `json:"status"`
	Message   string                  `json:"message"`
	Failures  []fileops.UploadFailure `json:"failures,omitempty"`
	Conflicts []string                `json:"conflicts,omitempty"`
}

// ListingResponse is the JSON form of a listing. CSRF carries the session's
// token for scripted clients.
type ListingResponse struct {
	Dir   string      `json:"dir"`
	CSRF  string      `json:"csrf"`
	Query string      `json:"query,omitempty"`
	Sort  string      `json:"sort"`
	Order string      `json:"order"`
	Dirs  []EntryJSON `json:"dirs"`
	Files []EntryJSON `json:"files"`
}

// EntryJSON is one listed entry.
type EntryJSON struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Parent  string    `json:"parent"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time"`
	Preview bool      `json:"preview,omitempty"`
}

func entriesJSON(entries []listing.Entry) []EntryJSON {
	out := make([]EntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryJSON{
			Name:    e.Name,
			Path:    e.RelPath(),
			Parent:  e.Parent,
			IsDir:   e.IsDir,
			Size:    e.Size,
			ModTime: e.ModTime.UTC(),
			Preview: e.PreviewEligible,
		})
	}
	return out
}

// wantsJSON reports whether the client asked for JSON, either with
// format=json or an Accept header. It never reads an unparsed body.
func wantsJSON(r *http.Request) bool {
	format := r.URL.Query().Get("format")
	if r.Form != nil {
		format = r.Form.Get("format")
	}
	if format == "json" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// respond answers a mutation that either succeeded with okMsg or failed
// with err.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, dir, okMsg string, err error) {
	if err != nil {
		s.respondError(w, r, dir, err)
		return
	}
	if wantsJSON(r) {
		s.sendJSON(w, http.StatusOK, StatusResponse{Status: StatusOK, Message: okMsg})
		return
	}
	s.renderListing(w, r, listRequest{dir: dir}, &flashView{Kind: "ok", Message: okMsg}, http.StatusOK)
}

// respondError reports err with its mapped status, as JSON or as the listing
// of dir with an error flash.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, dir string, err error) {
	code := failure.StatusCode(err)
	if wantsJSON(r) {
		s.sendJSON(w, code, StatusResponse{Status: StatusError, Message: failure.Message(err)})
		return
	}
	s.renderListing(w, r, listRequest{dir: dir}, &flashView{Kind: "err", Message: failure.Message(err)}, code)
}

// reject answers a request refused before it was dispatched. Nothing is read
// from the filesystem, so HTML clients get a bare error page.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	code := failure.StatusCode(err)
	if wantsJSON(r) {
		s.sendJSON(w, code, StatusResponse{Status: StatusError, Message: failure.Message(err)})
		return
	}
	http.Error(w, failure.Message(err), code)
}

// respondUpload reports a batch. Conflicts without overwrite produce the
// overwrite status so the client can ask before resending; a batch where
// nothing was saved and files were rejected is an error.
func (s *Server) respondUpload(w http.ResponseWriter, r *http.Request, dir string, report *fileops.UploadReport) {
	resp := StatusResponse{
		Status:    StatusOK,
		Message:   report.Message(),
		Failures:  report.Failures,
		Conflicts: report.Conflicts,
	}
	code := http.StatusOK
	switch {
	case len(report.Conflicts) > 0:
		resp.Status = StatusOverwrite
	case len(report.Saved) == 0 && len(report.Failures) > 0:
		resp.Status = StatusError
		code = http.StatusBadRequest
	}

	if wantsJSON(r) {
		s.sendJSON(w, code, resp)
		return
	}
	flash := &flashView{Kind: "ok", Message: resp.Message, Failures: resp.Failures}
	if resp.Status != StatusOK {
		flash.Kind = "err"
	}
	s.renderListing(w, r, listRequest{dir: dir}, flash, code)
}
