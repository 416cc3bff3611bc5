package fileops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
	"github.com/fruitsalade/webfm/internal/storage"
)

// sniffLen matches the mimetype default read limit.
const sniffLen = 3072

// errFolderExists is a conflict that overwriting cannot resolve, so it is
// reported as a failure rather than held back for the overwrite prompt.
var errFolderExists = failure.Conflict("a folder with that name exists")

// Upload is one file of a multipart upload. Open returns the received
// content; a nil Open marks a part that carried no real file.
type Upload struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// UploadFailure describes one rejected file.
type UploadFailure struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// UploadReport is the outcome of a batch. Files named in Conflicts were not
// written because a file of that name exists and overwrite was not asked for.
type UploadReport struct {
	Saved     []string
	Failures  []UploadFailure
	Conflicts []string
}

// Message summarizes the batch for a flash line.
func (r *UploadReport) Message() string {
	switch {
	case len(r.Failures) == 0 && len(r.Conflicts) == 0:
		return fmt.Sprintf("Uploaded %d file(s).", len(r.Saved))
	case len(r.Failures) == 0:
		return fmt.Sprintf("Uploaded %d file(s); %d already exist.", len(r.Saved), len(r.Conflicts))
	default:
		return fmt.Sprintf("Uploaded %d file(s); %d rejected.", len(r.Saved), len(r.Failures))
	}
}

// Upload stores files into dir. Each file is checked and written on its own,
// so one bad file does not stop the rest. The error return is reserved for
// problems with the batch itself: disabled uploads or an unusable dir.
func (s *Service) Upload(ctx context.Context, dir string, files []Upload, overwrite bool) (*UploadReport, error) {
	if !s.cfg.Features.Upload {
		err := failure.Forbidden("Uploads are disabled.")
		s.record(ctx, "upload", err, zap.String("dir", dir))
		return nil, err
	}
	dirAbs, err := s.resolveDir(dir)
	if err != nil {
		s.record(ctx, "upload", err, zap.String("dir", dir))
		return nil, err
	}
	if len(files) == 0 {
		return nil, failure.Validation("No files uploaded.")
	}

	report := &UploadReport{}
	log := logging.WithContext(ctx)
	for _, f := range files {
		if f.Name == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, failure.IO("Upload interrupted.", err)
		}
		name, n, err := s.uploadOne(ctx, dirAbs, f, overwrite)
		metrics.RecordUpload(n, failure.Label(err))
		switch {
		case err == nil:
			report.Saved = append(report.Saved, name)
			log.Info("file uploaded", zap.String("dir", dir), zap.String("name", name), zap.Int64("size", n))
		case errors.Is(err, failure.ErrConflict) && !errors.Is(err, errFolderExists):
			report.Conflicts = append(report.Conflicts, name)
		default:
			if name == "" {
				name = f.Name
			}
			report.Failures = append(report.Failures, UploadFailure{
				Name:   name,
				Kind:   failure.Label(err),
				Reason: failure.Message(err),
			})
			log.Warn("upload rejected", zap.String("dir", dir), zap.String("name", name), zap.Error(err))
		}
	}
	return report, nil
}

func (s *Service) uploadOne(ctx context.Context, dirAbs string, f Upload, overwrite bool) (string, int64, error) {
	name, err := SanitizeName(f.Name)
	if err != nil {
		return "", 0, err
	}
	if s.classifier.IsDangerous(name) {
		return name, 0, failure.Forbidden("dangerous extension blocked")
	}
	if !s.classifier.IsUploadAllowed(name) {
		return name, 0, failure.Validation("extension not allowed")
	}
	if f.Size > s.cfg.MaxUploadBytes {
		return name, 0, failure.Validation("exceeds size limit")
	}
	if f.ContentType != "" && s.classifier.IsDangerousMIME(f.ContentType) {
		return name, 0, failure.Validation("mime not allowed")
	}
	if f.Open == nil {
		return name, 0, failure.Validation("invalid upload")
	}

	target, err := s.resolver.Child(dirAbs, name)
	if err != nil {
		return name, 0, err
	}
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return name, 0, errFolderExists
		}
		if !overwrite {
			return name, 0, failure.Conflict("file exists")
		}
	}

	src, err := f.Open()
	if err != nil || src == nil {
		return name, 0, failure.Validation("invalid upload")
	}
	defer src.Close()

	head := make([]byte, sniffLen)
	hn, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return name, 0, failure.IO("read failed", err)
	}
	head = head[:hn]
	for mt := mimetype.Detect(head); mt != nil; mt = mt.Parent() {
		if s.classifier.IsDangerousMIME(mt.String()) {
			return name, 0, failure.Validation("mime not allowed")
		}
	}

	body := io.MultiReader(bytes.NewReader(head), src)
	n, err := s.store.Put(ctx, target, body, s.cfg.MaxUploadBytes, overwrite)
	switch {
	case err == nil:
		return name, n, nil
	case errors.Is(err, storage.ErrTooLarge):
		return name, 0, failure.Validation("exceeds size limit")
	case errors.Is(err, fs.ErrExist):
		return name, 0, failure.Conflict("file exists")
	default:
		return name, 0, failure.IO("write failed", err)
	}
}
