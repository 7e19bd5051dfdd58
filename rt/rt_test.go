package rt

import (
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h, err := NewHost(t.TempDir(), "defaultHost", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewHostCreatesHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nested", "home")
	h, err := NewHost(home, "", nil)
	require.NoError(t, err)
	defer h.Close()

	info, err := os.Stat(home)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, DefaultHost, h.DefaultHost)
}

func TestLoadProgramLocalFile(t *testing.T) {
	h := newTestHost(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.js")
	writeFile(t, path, `console.log("hi")`)

	name, src, err := h.LoadProgram(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, name)
	assert.Equal(t, `console.log("hi")`, src)
}

func TestLoadProgramDirectoryIndex(t *testing.T) {
	h := newTestHost(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.star"), `print("star")`)

	name, src, err := h.LoadProgram(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.star"), name)
	assert.Equal(t, `print("star")`, src)

	writeFile(t, filepath.Join(dir, "main.js"), `1`)
	name, _, err = h.LoadProgram(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "main.js"), name)
}

func TestLoadProgramEmptyDirectory(t *testing.T) {
	h := newTestHost(t)
	_, _, err := h.LoadProgram(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLoadRelativeToFileAndDir(t *testing.T) {
	h := newTestHost(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "lib", "util.js"), `exports.x = 1`)

	name, src, err := h.Load(context.Background(), dir, "./lib/util.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "lib", "util.js"), name)
	assert.Equal(t, `exports.x = 1`, src)

	name, _, err = h.Load(context.Background(), filepath.Join(dir, "main.js"), "lib/util.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "lib", "util.js"), name)
}

func TestLoadDirectoryIsMissing(t *testing.T) {
	h := newTestHost(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "pkg"), 0o755))

	_, _, err := h.Load(context.Background(), dir, "pkg")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, _, err = h.Load(context.Background(), dir, "nope.js")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFetchHTTPFollowsLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tool", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><link rel="stylesheet" href="x.css"><link rel="wingpf" href="/src/main.js"></head></html>`))
	})
	mux.HandleFunc("/src/main.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write([]byte(`process.exit(0)`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newTestHost(t)
	name, src, err := h.LoadProgram(context.Background(), srv.URL+"/tool")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/src/main.js", name)
	assert.Equal(t, `process.exit(0)`, src)

	_, err = os.Stat(filepath.Join(h.Home, "db"))
	assert.NoError(t, err, "cache database should be created on first remote fetch")
}

func TestFetchHTTPErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newTestHost(t)
	ctx := context.Background()

	_, _, err := h.LoadProgram(ctx, srv.URL+"/missing.js")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, _, err = h.LoadProgram(ctx, srv.URL+"/page")
	assert.ErrorContains(t, err, "no <link")

	_, _, err = h.LoadProgram(ctx, srv.URL+"/broken")
	assert.ErrorContains(t, err, "500")
}

func TestFetchUnsupportedScheme(t *testing.T) {
	h := newTestHost(t)
	u, err := url.Parse("ftp://example.com/x.js")
	require.NoError(t, err)
	_, err = h.Fetch(context.Background(), u)
	assert.ErrorContains(t, err, "not supported")
}

func TestResolveProgram(t *testing.T) {
	h := newTestHost(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "x.js")
	writeFile(t, path, "")

	u, frag, err := h.ResolveProgram(path)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	assert.Empty(t, frag)

	u, frag, err = h.ResolveProgram("hello/world#main")
	require.NoError(t, err)
	assert.Equal(t, "https://defaultHost/hello/world", u.String())
	assert.Equal(t, "main", frag)
}
