// Package fileops implements the mutating operations of the file manager.
// Every path is resolved through the root resolver and every name is checked
// by the classifier before the filesystem is touched.
package fileops

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
	"github.com/fruitsalade/webfm/internal/pathsafe"
	"github.com/fruitsalade/webfm/internal/storage"
)

// Features switches individual operations on or off.
type Features struct {
	Upload bool
	Mkdir  bool
	Rename bool
	Delete bool
	Move   bool
}

// AllFeatures enables every operation.
func AllFeatures() Features {
	return Features{Upload: true, Mkdir: true, Rename: true, Delete: true, Move: true}
}

// Config holds operation limits and toggles.
type Config struct {
	MaxUploadBytes int64
	Features       Features
}

// Service performs file operations inside one root.
type Service struct {
	resolver   *pathsafe.Resolver
	classifier *classify.Classifier
	store      *storage.Local
	cfg        Config
}

// New creates a Service.
func New(r *pathsafe.Resolver, c *classify.Classifier, store *storage.Local, cfg Config) *Service {
	return &Service{resolver: r, classifier: c, store: store, cfg: cfg}
}

// Features reports which operations are enabled.
func (s *Service) Features() Features { return s.cfg.Features }

// MaxUploadBytes is the per-file upload limit.
func (s *Service) MaxUploadBytes() int64 { return s.cfg.MaxUploadBytes }

// resolveDir resolves a relative directory that must exist.
func (s *Service) resolveDir(dir string) (string, error) {
	abs, err := s.resolver.Resolve(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", failure.NotFound("Folder not found.")
	}
	return abs, nil
}

// existing resolves name in dir and requires it to exist. The final element
// is not followed, so a symlink is acted on as itself.
func (s *Service) existing(dirAbs, name string) (string, fs.FileInfo, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return "", nil, err
	}
	p, err := s.resolver.Child(dirAbs, clean)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return "", nil, failure.NotFound("Item not found.")
	}
	return p, info, nil
}

func (s *Service) record(ctx context.Context, op string, err error, fields ...zap.Field) {
	metrics.RecordFileOp(op, failure.Label(err))
	fields = append(fields, zap.String("op", op))
	log := logging.WithContext(ctx)
	switch {
	case err == nil:
		log.Info("file operation", fields...)
	case errors.Is(err, failure.ErrIO):
		log.Error("file operation failed", append(fields, zap.Error(err))...)
	default:
		log.Warn("file operation rejected", append(fields, zap.Error(err))...)
	}
}

// CreateFolder makes a new folder called name inside dir.
func (s *Service) CreateFolder(ctx context.Context, dir, name string) (created string, err error) {
	defer func() { s.record(ctx, "mkdir", err, zap.String("dir", dir), zap.String("name", name)) }()

	if !s.cfg.Features.Mkdir {
		return "", failure.Forbidden("Creating folders is disabled.")
	}
	dirAbs, err := s.resolveDir(dir)
	if err != nil {
		return "", err
	}
	clean, err := SanitizeName(name)
	if err != nil {
		return "", failure.Validation("Folder name required.")
	}
	target, err := s.resolver.Child(dirAbs, clean)
	if err != nil {
		return "", err
	}
	if err := s.store.Mkdir(target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", failure.Conflict("Folder already exists.")
		}
		return "", failure.IO("Failed to create folder.", err)
	}
	return clean, nil
}

// Rename gives the item oldName in dir a new name. Files keep their
// original extension whatever the caller typed; folders take the new name
// as given, dots included. An existing item with the new name is never replaced.
func (s *Service) Rename(ctx context.Context, dir, oldName, newName string) (renamed string, err error) {
	defer func() {
		s.record(ctx, "rename", err, zap.String("dir", dir), zap.String("name", oldName), zap.String("new", renamed))
	}()

	if !s.cfg.Features.Rename {
		return "", failure.Forbidden("Renaming is disabled.")
	}
	dirAbs, err := s.resolveDir(dir)
	if err != nil {
		return "", err
	}
	src, info, err := s.existing(dirAbs, oldName)
	if err != nil {
		return "", err
	}
	if s.classifier.IsDangerous(filepath.Base(src)) {
		return "", failure.Forbidden("Item not allowed.")
	}

	if info.IsDir() {
		renamed, err = SanitizeName(newName)
		if err != nil {
			return "", failure.Validation("Folder name required.")
		}
	} else {
		base, berr := BaseName(newName)
		if berr != nil {
			return "", failure.Validation("File name required.")
		}
		renamed = base
		if ext := classify.Ext(filepath.Base(src)); ext != "" {
			renamed = base + "." + ext
		}
		if s.classifier.IsDangerous(renamed) {
			return "", failure.Forbidden("Target name not allowed.")
		}
	}

	dst, err := s.resolver.Child(dirAbs, renamed)
	if err != nil {
		return "", err
	}
	if err := s.store.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", failure.Conflict("Target name exists.")
		}
		return "", failure.IO("Rename failed.", err)
	}
	return renamed, nil
}

// Delete removes a file, or a folder with everything under it. There is no
// rollback: a failure part way through leaves the remainder in place.
func (s *Service) Delete(ctx context.Context, dir, name string) (wasDir bool, err error) {
	defer func() { s.record(ctx, "delete", err, zap.String("dir", dir), zap.String("name", name)) }()

	if !s.cfg.Features.Delete {
		return false, failure.Forbidden("Deleting is disabled.")
	}
	dirAbs, err := s.resolveDir(dir)
	if err != nil {
		return false, err
	}
	target, info, err := s.existing(dirAbs, name)
	if err != nil {
		return false, err
	}
	if s.classifier.IsDangerous(filepath.Base(target)) {
		return false, failure.Forbidden("Item not allowed.")
	}
	if err := s.store.RemoveTree(ctx, target); err != nil {
		return false, failure.IO("Delete failed.", err)
	}
	return info.IsDir(), nil
}

// Move relocates the item name from dir into the folder target, given
// relative to the root. Missing target folders are created. A folder cannot
// be moved into itself or below itself, and nothing at the destination is
// replaced.
func (s *Service) Move(ctx context.Context, dir, name, target string) (err error) {
	defer func() {
		s.record(ctx, "move", err, zap.String("dir", dir), zap.String("name", name), zap.String("target", target))
	}()

	if !s.cfg.Features.Move {
		return failure.Forbidden("Moving is disabled.")
	}
	dirAbs, err := s.resolveDir(dir)
	if err != nil {
		return err
	}
	src, info, err := s.existing(dirAbs, name)
	if err != nil {
		return err
	}
	if s.classifier.IsDangerous(filepath.Base(src)) {
		return failure.Forbidden("Item not allowed.")
	}
	if pathsafe.Normalize(target) == "" {
		return failure.Validation("Target folder required.")
	}
	targetAbs, err := s.resolver.Resolve(target)
	if err != nil {
		return err
	}
	if info.IsDir() && pathsafe.Within(src, targetAbs) {
		return failure.Forbidden("Cannot move a folder into itself or its subfolder.")
	}

	tinfo, err := os.Stat(targetAbs)
	switch {
	case err == nil && !tinfo.IsDir():
		return failure.Validation("Target is not a folder.")
	case err != nil && errors.Is(err, fs.ErrNotExist):
		if err := s.store.MkdirAll(targetAbs); err != nil {
			return failure.IO("Cannot create target folder.", err)
		}
	case err != nil:
		return failure.IO("Move failed.", err)
	}

	dst, err := s.resolver.Child(targetAbs, filepath.Base(src))
	if err != nil {
		return err
	}
	if err := s.store.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return failure.Conflict("An item with the same name already exists in target.")
		}
		return failure.IO("Move failed.", err)
	}
	return nil
}
