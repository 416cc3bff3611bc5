package api

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/fruitsalade/webfm/internal/failure"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/listing"
	"github.com/fruitsalade/webfm/internal/session"
)

const timeLayout = "2006-01-02 15:04"

type pageView struct {
	Title string
	Theme string
	CSRF  string
	Flash *flashView

	Dir       string
	Root      string
	RootHref  string
	UpHref    string
	ClearHref string
	Crumbs    []crumbView

	Query     string
	Sort      string
	Order     string
	Recursive bool
	SortLinks []sortLink

	Dirs  []entryView
	Files []entryView

	Features  fileops.Features
	MaxUpload string
}

type flashView struct {
	Kind     string // "ok" or "err"
	Message  string
	Failures []fileops.UploadFailure
}

// sortLink is a column toggle. The active key links to the opposite order,
// the others start ascending.
type sortLink struct {
	Label  string
	Href   string
	Active bool
	Order  string
}

type crumbView struct {
	Name string
	Href string
}

type entryView struct {
	Name     string
	Parent   string
	Location string
	Href     string
	Size     string
	Modified string
	Age      string
	Preview  bool

	DownloadHref string
	PreviewHref  string
	ThumbHref    string
}

// mutationView feeds the per-entry action forms.
type mutationView struct {
	Page    *pageView
	Entry   entryView
	Confirm string
}

var templateFuncs = template.FuncMap{
	"plural": func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return many
	},
	"mutation": func(p *pageView, e entryView, confirm string) mutationView {
		return mutationView{Page: p, Entry: e, Confirm: confirm}
	},
}

// listDir resolves the directory to list. A path that escapes the root is
// an error; one that is missing or not a directory falls back to the root.
func (s *Server) listDir(dir string) (abs, rel string, err error) {
	abs, err = s.resolver.Resolve(dir)
	if err != nil {
		if errors.Is(err, failure.ErrForbidden) {
			return s.resolver.Root(), "", err
		}
		return s.resolver.Root(), "", nil
	}
	if info, statErr := os.Stat(abs); statErr != nil || !info.IsDir() {
		return s.resolver.Root(), "", nil
	}
	rel, err = s.resolver.Rel(abs)
	if err != nil {
		return s.resolver.Root(), "", err
	}
	return abs, rel, nil
}

// renderListing scans and sorts a directory and sends it as JSON or as the
// page, with an optional flash line.
func (s *Server) renderListing(w http.ResponseWriter, r *http.Request, list listRequest, flash *flashView, status int) {
	abs, rel, err := s.listDir(list.dir)
	if err != nil && (flash == nil || flash.Kind == "ok") {
		flash = &flashView{Kind: "err", Message: failure.Message(err)}
		status = failure.StatusCode(err)
	}
	if err != nil && wantsJSON(r) {
		s.sendJSON(w, status, StatusResponse{Status: StatusError, Message: flash.Message})
		return
	}

	key := listing.ParseSortKey(string(list.sort))
	order := listing.ParseOrder(string(list.order))
	recursive := s.config.Limits.RecursiveSearch && list.query != ""
	res := s.scanner.Scan(r.Context(), abs, rel, listing.Options{
		Query:     list.query,
		Recursive: recursive,
		MaxDepth:  s.config.Limits.SearchMaxDepth,
	})
	listing.Sort(&res, key, order)

	if wantsJSON(r) {
		s.sendJSON(w, status, ListingResponse{
			Dir:   rel,
			CSRF:  session.Token(r.Context()),
			Query: list.query,
			Sort:  string(key),
			Order: string(order),
			Dirs:  entriesJSON(res.Dirs),
			Files: entriesJSON(res.Files),
		})
		return
	}

	view := &pageView{
		Title:     s.config.UI.Title,
		Theme:     s.config.UI.Theme,
		CSRF:      session.Token(r.Context()),
		Flash:     flash,
		Dir:       rel,
		Root:      s.resolver.Root(),
		Query:     list.query,
		Sort:      string(key),
		Order:     string(order),
		Recursive: s.config.Limits.RecursiveSearch,
		Features:  s.ops.Features(),
		MaxUpload: humanize.IBytes(uint64(s.ops.MaxUploadBytes())),
	}
	links := linker{sort: key, order: order}
	view.RootHref = links.dir("")
	if rel != "" {
		view.UpHref = links.dir(parentOf(rel))
	}
	if list.query != "" || key != listing.SortByName || order != listing.Asc {
		view.ClearHref = pageHref("dir", rel)
	}
	view.Crumbs = crumbs(rel, links)
	view.SortLinks = sortLinks(rel, list.query, key, order)
	for _, e := range res.Dirs {
		view.Dirs = append(view.Dirs, links.entry(e))
	}
	for _, e := range res.Files {
		view.Files = append(view.Files, links.entry(e))
	}
	s.render(w, r, status, view)
}

// linker builds page links that keep the current sort.
type linker struct {
	sort  listing.SortKey
	order listing.Order
}

func (l linker) dir(dir string) string {
	sort, order := "", ""
	if l.sort != listing.SortByName {
		sort = string(l.sort)
	}
	if l.order != listing.Asc {
		order = string(l.order)
	}
	return pageHref("dir", dir, "sort", sort, "order", order)
}

func (l linker) entry(e listing.Entry) entryView {
	v := entryView{
		Name:     e.Name,
		Parent:   e.Parent,
		Location: e.Parent,
		Modified: e.ModTime.Format(timeLayout),
		Age:      humanize.Time(e.ModTime),
		Preview:  e.PreviewEligible,
	}
	if v.Location == "" {
		v.Location = "."
	}
	if e.IsDir {
		v.Href = l.dir(e.RelPath())
		return v
	}
	v.Href = l.dir(e.Parent)
	v.Size = humanize.IBytes(uint64(e.Size))
	v.DownloadHref = pageHref("dir", e.Parent, "action", "download", "name", e.Name)
	if e.PreviewEligible {
		v.PreviewHref = pageHref("dir", e.Parent, "action", "preview", "name", e.Name)
		v.ThumbHref = pageHref("dir", e.Parent, "action", "thumb", "name", e.Name)
	}
	return v
}

var sortLabels = []struct {
	key   listing.SortKey
	label string
}{
	{listing.SortByName, "Name"},
	{listing.SortBySize, "Size"},
	{listing.SortByMTime, "Modified"},
}

func sortLinks(rel, query string, current listing.SortKey, order listing.Order) []sortLink {
	out := make([]sortLink, 0, len(sortLabels))
	for _, l := range sortLabels {
		next := listing.Asc
		if l.key == current {
			next = order.Flip()
		}
		out = append(out, sortLink{
			Label:  l.label,
			Href:   pageHref("dir", rel, "q", query, "sort", string(l.key), "order", string(next)),
			Active: l.key == current,
			Order:  string(order),
		})
	}
	return out
}

func crumbs(rel string, links linker) []crumbView {
	if rel == "" {
		return nil
	}
	parts := strings.Split(rel, "/")
	out := make([]crumbView, 0, len(parts))
	for i, p := range parts {
		out = append(out, crumbView{Name: p, Href: links.dir(strings.Join(parts[:i+1], "/"))})
	}
	return out
}

func parentOf(rel string) string {
	p := path.Dir(rel)
	if p == "." {
		return ""
	}
	return p
}

// pageHref builds a link to the page from key/value pairs; empty values are
// left out.
func pageHref(pairs ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			v.Set(pairs[i], pairs[i+1])
		}
	}
	if len(v) == 0 {
		return "/"
	}
	return "/?" + v.Encode()
}
