// Package api provides the HTTP server and handlers of the file manager.
package api

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/config"
	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/listing"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
	"github.com/fruitsalade/webfm/internal/pathsafe"
	"github.com/fruitsalade/webfm/internal/session"
	"github.com/fruitsalade/webfm/internal/transfer"
	"github.com/fruitsalade/webfm/webapp"
)

const (
	// multipartMemory is how much of a multipart body is kept in memory
	// before file parts spill to temporary files.
	multipartMemory = 8 << 20
	// tokenlessBodyBytes caps POST bodies that carry no token header.
	tokenlessBodyBytes = 1 << 20
)

// Server is the HTTP server.
type Server struct {
	config     *config.Config
	resolver   *pathsafe.Resolver
	classifier *classify.Classifier
	scanner    *listing.Scanner
	ops        *fileops.Service
	transfer   *transfer.Service
	sessions   *session.Manager
	page       *template.Template
}

// Deps bundles the services the server dispatches to.
type Deps struct {
	Resolver   *pathsafe.Resolver
	Classifier *classify.Classifier
	Scanner    *listing.Scanner
	FileOps    *fileops.Service
	Transfer   *transfer.Service
	Sessions   *session.Manager
}

// NewServer creates a new server and parses the page template.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	page, err := template.New("index.html").Funcs(templateFuncs).ParseFS(webapp.Assets, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse page template: %w", err)
	}
	return &Server{
		config:     cfg,
		resolver:   deps.Resolver,
		classifier: deps.Classifier,
		scanner:    deps.Scanner,
		ops:        deps.FileOps,
		transfer:   deps.Transfer,
		sessions:   deps.Sessions,
		page:       page,
	}, nil
}

// Handler returns the HTTP handler with all routes registered. Only the page
// routes carry a session.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	static, _ := fs.Sub(webapp.Assets, "static")
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	page := s.sessions.Middleware(http.HandlerFunc(s.handlePage))
	mux.Handle("GET /{$}", page)
	mux.Handle("POST /{$}", page)

	// Logging is outermost so the metrics layer sees the pattern the mux
	// stores on the request it was handed.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePage parses the request into one of the typed requests and dispatches
// it. A POST is checked for its anti-forgery token before anything touches the
// filesystem or spills to temporary files.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		// A token in the header is checked before the body is read. Without
		// one the token sits in the body, so the body is kept small enough
		// to parse in memory.
		header := r.Header.Get(session.HeaderName)
		limit := int64(s.config.Limits.MaxRequestBytes)
		if header == "" {
			limit = min(limit, tokenlessBodyBytes)
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if header != "" {
			if err := session.Verify(r.Context(), header); err != nil {
				s.reject(w, r, err)
				return
			}
		}
		if err := parseForm(r); err != nil {
			s.reject(w, r, err)
			return
		}
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}
		if err := session.Verify(r.Context(), session.Submitted(r)); err != nil {
			s.reject(w, r, err)
			return
		}
	}

	req, err := parseRequest(r)
	if err != nil {
		s.respondError(w, r, r.FormValue("dir"), err)
		return
	}
	s.dispatch(w, r, req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req request) {
	ctx := r.Context()
	switch req := req.(type) {
	case listRequest:
		s.renderListing(w, r, req, nil, http.StatusOK)

	case downloadRequest:
		if err := s.transfer.Download(w, r, req.dir, req.name); err != nil {
			s.respondError(w, r, req.dir, err)
		}

	case previewRequest:
		if err := s.transfer.Preview(w, r, req.dir, req.name); err != nil {
			s.respondError(w, r, req.dir, err)
		}

	case thumbRequest:
		if err := s.transfer.Thumbnail(w, r, req.dir, req.name); err != nil {
			s.respondError(w, r, req.dir, err)
		}

	case uploadRequest:
		report, err := s.ops.Upload(ctx, req.dir, req.files, req.overwrite)
		if err != nil {
			s.respondError(w, r, req.dir, err)
			return
		}
		s.respondUpload(w, r, req.dir, report)

	case mkdirRequest:
		name, err := s.ops.CreateFolder(ctx, req.dir, req.folder)
		s.respond(w, r, req.dir, fmt.Sprintf("Folder %q created.", name), err)

	case renameRequest:
		name, err := s.ops.Rename(ctx, req.dir, req.name, req.newName)
		s.respond(w, r, req.dir, fmt.Sprintf("Renamed to %q.", name), err)

	case deleteRequest:
		wasDir, err := s.ops.Delete(ctx, req.dir, req.name)
		msg := "File deleted."
		if wasDir {
			msg = "Folder deleted."
		}
		s.respond(w, r, req.dir, msg, err)

	case moveRequest:
		err := s.ops.Move(ctx, req.dir, req.name, req.target)
		s.respond(w, r, req.dir, fmt.Sprintf("Moved to %q.", pathsafe.Normalize(req.target)), err)

	default:
		s.respondError(w, r, "", failure.Validation("Unknown action."))
	}
}

// render executes the page template into a buffer first so a template error
// never leaves a half-written page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, view *pageView) {
	var buf bytes.Buffer
	if err := s.page.Execute(&buf, view); err != nil {
		logging.WithContext(r.Context()).Error("failed to render page", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
