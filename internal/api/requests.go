package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"

	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/listing"
	"github.com/fruitsalade/webfm/internal/pathsafe"
)

// request is one of the typed requests the page understands.
type request interface {
	action() string
}

type listRequest struct {
	dir   string
	query string
	sort  listing.SortKey
	order listing.Order
}

type downloadRequest struct{ dir, name string }
type previewRequest struct{ dir, name string }
type thumbRequest struct{ dir, name string }

type uploadRequest struct {
	dir       string
	files     []fileops.Upload
	overwrite bool
}

type mkdirRequest struct{ dir, folder string }
type renameRequest struct{ dir, name, newName string }
type deleteRequest struct{ dir, name string }
type moveRequest struct{ dir, name, target string }

func (listRequest) action() string     { return "list" }
func (downloadRequest) action() string { return "download" }
func (previewRequest) action() string  { return "preview" }
func (thumbRequest) action() string    { return "thumb" }
func (uploadRequest) action() string   { return "upload" }
func (mkdirRequest) action() string    { return "mkdir" }
func (renameRequest) action() string   { return "rename" }
func (deleteRequest) action() string   { return "delete" }
func (moveRequest) action() string     { return "move" }

// parseForm reads a POST body, multipart or urlencoded. A body over the
// request cap is a validation failure.
func parseForm(r *http.Request) error {
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(multipartMemory)
	} else {
		err = r.ParseForm()
	}
	if err == nil {
		return nil
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return failure.Validation("Request too large.")
	}
	return failure.Validation("Malformed request.")
}

// parseRequest turns the action parameter and its fields into a typed
// request. Read actions are GET only and mutations are POST only. The form
// must already be parsed for a POST.
func parseRequest(r *http.Request) (request, error) {
	dir := pathsafe.Normalize(r.FormValue("dir"))
	name := r.FormValue("name")
	action := strings.ToLower(strings.TrimSpace(r.FormValue("action")))
	post := r.Method == http.MethodPost

	switch action {
	case "", "list":
		if post {
			return nil, failure.Validation("Unknown action.")
		}
		return listRequest{
			dir:   dir,
			query: strings.TrimSpace(r.FormValue("q")),
			sort:  listing.ParseSortKey(r.FormValue("sort")),
			order: listing.ParseOrder(r.FormValue("order")),
		}, nil
	case "download", "preview", "thumb":
		if post {
			return nil, failure.Validation("Unknown action.")
		}
		switch action {
		case "download":
			return downloadRequest{dir: dir, name: name}, nil
		case "preview":
			return previewRequest{dir: dir, name: name}, nil
		default:
			return thumbRequest{dir: dir, name: name}, nil
		}
	case "upload", "mkdir", "rename", "delete", "move":
		if !post {
			return nil, failure.Validation("This action requires POST.")
		}
	default:
		return nil, failure.Validation("Unknown action.")
	}

	switch action {
	case "upload":
		return uploadRequest{
			dir:       dir,
			files:     uploads(r.MultipartForm),
			overwrite: r.FormValue("overwrite") == "1",
		}, nil
	case "mkdir":
		return mkdirRequest{dir: dir, folder: r.FormValue("folder")}, nil
	case "rename":
		return renameRequest{dir: dir, name: name, newName: r.FormValue("new")}, nil
	case "delete":
		return deleteRequest{dir: dir, name: name}, nil
	default:
		return moveRequest{dir: dir, name: name, target: r.FormValue("target")}, nil
	}
}

// uploads collects the files[] parts of a multipart form. "files" is
// accepted as well for clients that do not add the brackets.
func uploads(form *multipart.Form) []fileops.Upload {
	if form == nil {
		return nil
	}
	headers := slices.Concat(form.File["files[]"], form.File["files"])
	out := make([]fileops.Upload, 0, len(headers))
	for _, fh := range headers {
		out = append(out, fileops.Upload{
			Name:        fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return out
}
