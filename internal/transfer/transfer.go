// Package transfer streams files out of the tree: attachment downloads,
// inline image previews and generated thumbnails.
package transfer

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
	"github.com/fruitsalade/webfm/internal/pathsafe"
)

// PreviewCacheControl is sent with previews and thumbnails.
const PreviewCacheControl = "private, max-age=3600"

// Service serves file content.
type Service struct {
	resolver   *pathsafe.Resolver
	classifier *classify.Classifier
}

// New creates a Service.
func New(r *pathsafe.Resolver, c *classify.Classifier) *Service {
	return &Service{resolver: r, classifier: c}
}

// Download sends dir/name as an attachment. Dangerous names are refused
// before the file is looked at; anything that is not a readable regular file
// is reported as not found. Range requests are honored.
func (s *Service) Download(w http.ResponseWriter, r *http.Request, dir, name string) (err error) {
	var sent int64
	defer func() { s.record(r, "download", name, sent, err) }()

	clean, err := fileops.SanitizeName(name)
	if err != nil {
		return err
	}
	if s.classifier.IsDangerous(clean) {
		return failure.Forbidden("Download blocked.")
	}
	f, info, err := s.open(dir, clean)
	if err != nil {
		return err
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", disposition("attachment", clean))
	h.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, clean, info.ModTime(), f)
	sent = info.Size()
	return nil
}

// Preview sends an image inline. Only names the classifier marks as
// previewable within the size cap are served.
func (s *Service) Preview(w http.ResponseWriter, r *http.Request, dir, name string) (err error) {
	var sent int64
	defer func() { s.record(r, "preview", name, sent, err) }()

	clean, err := fileops.SanitizeName(name)
	if err != nil {
		return err
	}
	f, info, err := s.open(dir, clean)
	if err != nil {
		return err
	}
	defer f.Close()
	if !s.classifier.IsPreviewEligible(clean, info.Size()) {
		return failure.Forbidden("Preview not allowed.")
	}

	ctype := "image/*"
	if mt, derr := mimetype.DetectReader(f); derr == nil && strings.HasPrefix(mt.String(), "image/") {
		ctype = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return failure.IO("Preview failed.", err)
	}

	h := w.Header()
	h.Set("Content-Type", ctype)
	h.Set("Content-Disposition", disposition("inline", clean))
	h.Set("Cache-Control", PreviewCacheControl)
	h.Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, clean, info.ModTime(), f)
	sent = info.Size()
	return nil
}

// open resolves dir/name and opens it for reading. Symlinks are followed but
// must stay inside the root.
func (s *Service) open(dir, name string) (*os.File, os.FileInfo, error) {
	dirAbs, err := s.resolver.Resolve(dir)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.resolver.Join(dirAbs, name)
	if err != nil {
		return nil, nil, err
	}
	if s.classifier.IsDangerous(filepath.Base(p)) {
		return nil, nil, failure.Forbidden("Download blocked.")
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, failure.NotFound("File not found.")
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, failure.NotFound("File not found.")
	}
	return f, info, nil
}

func (s *Service) record(r *http.Request, kind, name string, sent int64, err error) {
	metrics.RecordTransfer(kind, sent, err == nil)
	if err != nil {
		logging.WithContext(r.Context()).Warn("transfer refused",
			zap.String("kind", kind),
			zap.String("name", name),
			zap.String("result", failure.Label(err)),
			zap.Error(err),
		)
	}
}

// disposition builds a Content-Disposition value; non-ASCII names are
// encoded as RFC 2231 filename* parameters.
func disposition(kind, name string) string {
	if v := mime.FormatMediaType(kind, map[string]string{"filename": name}); v != "" {
		return v
	}
	return kind
}
