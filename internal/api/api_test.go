package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/config"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/listing"
	"github.com/fruitsalade/webfm/internal/pathsafe"
	"github.com/fruitsalade/webfm/internal/session"
	"github.com/fruitsalade/webfm/internal/storage"
	"github.com/fruitsalade/webfm/internal/transfer"
)

type harness struct {
	t      *testing.T
	root   string
	server *httptest.Server
	client *http.Client
	token  string
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	t.Setenv("FM_STORAGE_ROOT", root)
	cfg, err := config.Load("")
	require.NoError(t, err)
	if tweak != nil {
		tweak(cfg)
	}

	resolver, err := pathsafe.NewResolver(root)
	require.NoError(t, err)
	classifier := classify.New(cfg.ClassifierRules())
	store, err := storage.New(storage.Config{RootPath: resolver.Root()})
	require.NoError(t, err)
	sessions, err := session.New(session.Config{
		Secret:     []byte("test-secret"),
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
	})
	require.NoError(t, err)

	srv, err := NewServer(cfg, Deps{
		Resolver:   resolver,
		Classifier: classifier,
		Scanner:    listing.NewScanner(resolver, classifier),
		FileOps:    fileops.New(resolver, classifier, store, cfg.FileOps()),
		Transfer:   transfer.New(resolver, classifier),
		Sessions:   sessions,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	h := &harness{t: t, root: resolver.Root(), server: ts, client: &http.Client{Jar: jar}}
	_, first := h.list(url.Values{})
	h.token = first.CSRF
	require.NotEmpty(t, h.token)
	return h
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	p := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) get(q url.Values, accept string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/?"+q.Encode(), nil)
	require.NoError(h.t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) list(q url.Values) (int, ListingResponse) {
	h.t.Helper()
	q.Set("format", "json")
	resp := h.get(q, "")
	var out ListingResponse
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) post(form url.Values) (int, StatusResponse) {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/", strings.NewReader(form.Encode()))
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return h.do(req)
}

func (h *harness) upload(dir string, files map[string]string, overwrite bool) (int, StatusResponse) {
	h.t.Helper()
	fields := map[string]string{"csrf": h.token}
	if overwrite {
		fields["overwrite"] = "1"
	}
	req := h.multipart(dir, fields, files)
	req.Header.Set(session.HeaderName, h.token)
	return h.do(req)
}

// multipart builds an upload request carrying fields and files in its body.
func (h *harness) multipart(dir string, fields, files map[string]string) *http.Request {
	h.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(h.t, mw.WriteField(k, v))
	}
	for name, content := range files {
		part, err := mw.CreateFormFile("files[]", name)
		require.NoError(h.t, err)
		_, err = io.WriteString(part, content)
		require.NoError(h.t, err)
	}
	require.NoError(h.t, mw.Close())

	q := url.Values{"action": {"upload"}, "dir": {dir}}
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/?"+q.Encode(), &body)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	return req
}

func (h *harness) do(req *http.Request) (int, StatusResponse) {
	h.t.Helper()
	resp, err := h.client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var out StatusResponse
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func names(entries []EntryJSON) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Cookies(), "health checks do not start sessions")

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestStaticAssets(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := http.Get(h.server.URL + "/static/style.css")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
}

func TestPageHTML(t *testing.T) {
	h := newHarness(t, nil)
	h.write("docs/readme.txt", "hi")
	h.write("photo.png", "not really a png")

	resp := h.get(url.Values{"dir": {"docs"}}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	page := string(body)
	assert.Contains(t, page, "<title>File Manager</title>")
	assert.Contains(t, page, `data-theme="light"`)
	assert.Contains(t, page, `value="`+h.token+`"`)
	assert.Contains(t, page, "readme.txt")
	assert.Contains(t, page, ">Up</a>")
	assert.Contains(t, page, "Max upload size: 50 MiB")
}

func TestSortLinks(t *testing.T) {
	links := sortLinks("docs", "rep", listing.SortByName, listing.Asc)
	require.Len(t, links, 3)
	assert.True(t, links[0].Active)
	assert.Equal(t, "/?dir=docs&order=desc&q=rep&sort=name", links[0].Href)
	assert.False(t, links[1].Active)
	assert.Equal(t, "/?dir=docs&order=asc&q=rep&sort=size", links[1].Href)

	links = sortLinks("", "", listing.SortByMTime, listing.Desc)
	assert.Equal(t, "/?order=asc&sort=mtime", links[2].Href)
	assert.Equal(t, "/?order=asc&sort=name", links[0].Href)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.write("docs/.keep", "")

	code, resp := h.upload("docs", map[string]string{"notes.txt": "hello world"}, false)
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, StatusOK, resp.Status)

	dl := h.get(url.Values{"dir": {"docs"}, "action": {"download"}, "name": {"notes.txt"}}, "")
	require.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "application/octet-stream", dl.Header.Get("Content-Type"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "attachment")
	assert.Equal(t, "nosniff", dl.Header.Get("X-Content-Type-Options"))
	got, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestUploadRejectsDangerousFile(t *testing.T) {
	h := newHarness(t, nil)

	code, resp := h.upload("", map[string]string{"shell.php": "<?php system($_GET['c']);"}, false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, StatusError, resp.Status)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "shell.php", resp.Failures[0].Name)
	assert.Equal(t, "dangerous extension blocked", resp.Failures[0].Reason)
	assert.NoFileExists(t, filepath.Join(h.root, "shell.php"))
}

func TestUploadOverwritePrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.write("a.txt", "old")

	code, resp := h.upload("", map[string]string{"a.txt": "new"}, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOverwrite, resp.Status)
	assert.Equal(t, []string{"a.txt"}, resp.Conflicts)
	data, _ := os.ReadFile(filepath.Join(h.root, "a.txt"))
	assert.Equal(t, "old", string(data))

	code, resp = h.upload("", map[string]string{"a.txt": "new"}, true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusOK, resp.Status)
	data, _ = os.ReadFile(filepath.Join(h.root, "a.txt"))
	assert.Equal(t, "new", string(data))
}

func TestCSRFRejectedBeforeMutation(t *testing.T) {
	h := newHarness(t, nil)

	code, resp := h.post(url.Values{"action": {"mkdir"}, "folder": {"evil"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid CSRF token.", resp.Message)

	code, _ = h.post(url.Values{"action": {"mkdir"}, "folder": {"evil"}, "csrf": {"forged"}})
	assert.Equal(t, http.StatusBadRequest, code)

	// A valid token from another session is refused too.
	other := newHarness(t, nil)
	code, _ = h.post(url.Values{"action": {"mkdir"}, "folder": {"evil"}, "csrf": {other.token}})
	assert.Equal(t, http.StatusBadRequest, code)

	assert.NoDirExists(t, filepath.Join(h.root, "evil"))
}

func TestUploadOverFolderReportsFailure(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.Mkdir(filepath.Join(h.root, "a.txt"), 0o755))

	code, resp := h.upload("", map[string]string{"a.txt": "new"}, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, StatusError, resp.Status)
	assert.Empty(t, resp.Conflicts)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "conflict", resp.Failures[0].Kind)
	assert.Equal(t, "a folder with that name exists", resp.Failures[0].Reason)
	assert.DirExists(t, filepath.Join(h.root, "a.txt"))
}

func TestTokenInBodyOnlyForSmallRequests(t *testing.T) {
	h := newHarness(t, nil)

	req := h.multipart("", map[string]string{"csrf": h.token}, map[string]string{"small.txt": "tiny"})
	code, resp := h.do(req)
	assert.Equal(t, http.StatusOK, code, resp.Message)
	assert.FileExists(t, filepath.Join(h.root, "small.txt"))

	big := strings.Repeat("x", tokenlessBodyBytes+64<<10)
	req = h.multipart("", map[string]string{"csrf": h.token}, map[string]string{"big.txt": big})
	code, resp = h.do(req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, StatusError, resp.Status)
	assert.NoFileExists(t, filepath.Join(h.root, "big.txt"))

	req = h.multipart("", map[string]string{"csrf": h.token}, map[string]string{"big.txt": big})
	req.Header.Set(session.HeaderName, h.token)
	code, resp = h.do(req)
	assert.Equal(t, http.StatusOK, code, resp.Message)
	assert.FileExists(t, filepath.Join(h.root, "big.txt"))
}

func TestHeaderTokenCheckedBeforeBody(t *testing.T) {
	h := newHarness(t, nil)

	// The body is not even a valid form; the token is refused first.
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/?action=upload", strings.NewReader("--nope\r\n"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=nope")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(session.HeaderName, "forged")
	code, resp := h.do(req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid CSRF token.", resp.Message)

	req, err = http.NewRequest(http.MethodPost, h.server.URL+"/?action=upload", strings.NewReader("--nope\r\n"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=nope")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(session.HeaderName, h.token)
	code, resp = h.do(req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEqual(t, "Invalid CSRF token.", resp.Message, "a valid header token gets past the check")
}

func TestCSRFHeader(t *testing.T) {
	h := newHarness(t, nil)

	form := url.Values{"action": {"mkdir"}, "folder": {"viaheader"}}
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(session.HeaderName, h.token)
	code, resp := h.do(req)
	assert.Equal(t, http.StatusOK, code, resp.Message)
	assert.DirExists(t, filepath.Join(h.root, "viaheader"))
}

func TestMutationsFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.write("report.txt", "q3")

	code, resp := h.post(url.Values{"csrf": {h.token}, "action": {"mkdir"}, "folder": {"Docs"}})
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, resp = h.post(url.Values{"csrf": {h.token}, "action": {"rename"}, "name": {"report.txt"}, "new": {"final.pdf"}})
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.FileExists(t, filepath.Join(h.root, "final.txt"), "extension is kept")

	code, resp = h.post(url.Values{"csrf": {h.token}, "action": {"move"}, "name": {"final.txt"}, "target": {"Docs/2025"}})
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.FileExists(t, filepath.Join(h.root, "Docs", "2025", "final.txt"))

	code, resp = h.post(url.Values{"csrf": {h.token}, "action": {"move"}, "name": {"Docs"}, "target": {"Docs/2025"}})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, StatusError, resp.Status)

	code, resp = h.post(url.Values{"csrf": {h.token}, "action": {"delete"}, "name": {"Docs"}})
	require.Equal(t, http.StatusOK, code, resp.Message)
	assert.Equal(t, "Folder deleted.", resp.Message)
	assert.NoDirExists(t, filepath.Join(h.root, "Docs"))
}

func TestMutationErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.write("a.txt", "a")
	h.write("b.txt", "b")
	h.write("index.php", "<?php")

	tests := []struct {
		name string
		form url.Values
		code int
	}{
		{"rename conflict", url.Values{"action": {"rename"}, "name": {"a.txt"}, "new": {"b"}}, http.StatusConflict},
		{"rename missing", url.Values{"action": {"rename"}, "name": {"nope.txt"}, "new": {"c"}}, http.StatusNotFound},
		{"delete dangerous", url.Values{"action": {"delete"}, "name": {"index.php"}}, http.StatusForbidden},
		{"mkdir escape", url.Values{"action": {"mkdir"}, "dir": {"../.."}, "folder": {"x"}}, http.StatusForbidden},
		{"unknown action", url.Values{"action": {"chmod"}}, http.StatusBadRequest},
		{"read action by post", url.Values{"action": {"download"}, "name": {"a.txt"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.form.Set("csrf", h.token)
			code, resp := h.post(tt.form)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, StatusError, resp.Status)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestMutationByGETRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.write("a.txt", "a")

	resp := h.get(url.Values{"action": {"delete"}, "name": {"a.txt"}, "format": {"json"}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.FileExists(t, filepath.Join(h.root, "a.txt"))
}

func TestListingJSON(t *testing.T) {
	h := newHarness(t, nil)
	h.write("b.txt", "bb")
	h.write("a10.txt", "a")
	h.write("a2.txt", "a")
	h.write("sub/report-2024.txt", "r")
	h.write("sub/deeper/report-2025.txt", "r")
	h.write(".env", "SECRET=1")

	code, l := h.list(url.Values{})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "", l.Dir)
	assert.Equal(t, []string{"sub"}, names(l.Dirs))
	assert.Equal(t, []string{"a2.txt", "a10.txt", "b.txt"}, names(l.Files))

	_, l = h.list(url.Values{"order": {"desc"}})
	assert.Equal(t, []string{"b.txt", "a10.txt", "a2.txt"}, names(l.Files))

	_, l = h.list(url.Values{"q": {"REPORT"}})
	assert.Equal(t, []string{"sub/report-2024.txt", "sub/deeper/report-2025.txt"}, names(l.Files))
	assert.Equal(t, "sub/deeper", l.Files[1].Parent)
}

func TestListingWithoutRecursiveSearch(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Limits.RecursiveSearch = false })
	h.write("report.txt", "r")
	h.write("sub/report-2024.txt", "r")

	_, l := h.list(url.Values{"q": {"report"}})
	assert.Equal(t, []string{"report.txt"}, names(l.Files))
}

func TestListingDirHandling(t *testing.T) {
	h := newHarness(t, nil)
	h.write("a.txt", "a")

	t.Run("missing dir falls back to root", func(t *testing.T) {
		code, l := h.list(url.Values{"dir": {"nope"}})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "", l.Dir)
		assert.Equal(t, []string{"a.txt"}, names(l.Files))
	})

	t.Run("file as dir falls back to root", func(t *testing.T) {
		code, l := h.list(url.Values{"dir": {"a.txt"}})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "", l.Dir)
	})

	t.Run("escape is forbidden", func(t *testing.T) {
		resp := h.get(url.Values{"dir": {"../../etc"}, "format": {"json"}}, "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("escape renders root page with flash", func(t *testing.T) {
		resp := h.get(url.Values{"dir": {"../../etc"}}, "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "Forbidden path.")
		assert.Contains(t, string(body), "a.txt")
	})
}

func TestDownloadErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.write("index.php", "<?php")

	resp := h.get(url.Values{"action": {"download"}, "name": {"index.php"}}, "application/json")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.get(url.Values{"action": {"download"}, "name": {"missing.txt"}}, "application/json")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.get(url.Values{"action": {"download"}, "dir": {".."}, "name": {"passwd"}}, "application/json")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTMLMutationShowsFlash(t *testing.T) {
	h := newHarness(t, nil)

	form := url.Values{"csrf": {h.token}, "action": {"mkdir"}, "folder": {"Photos"}}
	resp, err := h.client.PostForm(h.server.URL+"/", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `class="flash ok"`)
	assert.Contains(t, string(body), "Photos")
}

func TestFeatureToggles(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Features.AllowDelete = false
		cfg.Features.AllowUpload = false
	})
	h.write("a.txt", "a")

	code, _ := h.post(url.Values{"csrf": {h.token}, "action": {"delete"}, "name": {"a.txt"}})
	assert.Equal(t, http.StatusForbidden, code)
	assert.FileExists(t, filepath.Join(h.root, "a.txt"))

	resp := h.get(url.Values{}, "")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), `id="dropzone"`)
	assert.NotContains(t, string(body), `value="delete"`)
}

func TestRequestTooLarge(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Limits.MaxUploadBytes = 512
		cfg.Limits.MaxRequestBytes = 1024
	})

	code, resp := h.upload("", map[string]string{"big.txt": strings.Repeat("x", 8192)}, false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, StatusError, resp.Status)
	assert.NoFileExists(t, filepath.Join(h.root, "big.txt"))
}
