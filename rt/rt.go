// Package rt is the host side of an embedded runtime: where programs and
// modules come from, and how remote ones are cached between runs.
package rt

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/birkelund/boltdbcache"
	"github.com/gregjones/httpcache"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// DefaultHost serves bare program references such as "hello".
const DefaultHost = "wingpf.tools"

// LinkRel is the rel value of the <link> element that points an HTML page
// at the program it publishes.
const LinkRel = "wingpf"

// indexNames are tried, in order, when a program reference is a directory.
var indexNames = []string{"main.js", "index.js", "main.star"}

// Host resolves and fetches programs and modules. HTTP responses are cached
// in a bbolt database under Home, opened on first remote fetch.
type Host struct {
	Home        string
	DefaultHost string

	logger *zap.Logger

	mu        sync.Mutex
	db        *bbolt.DB
	httpCache httpcache.Cache
}

// NewHost prepares home for use and returns a Host rooted there.
func NewHost(home, defaultHost string, logger *zap.Logger) (*Host, error) {
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		home = filepath.Join(homeDir, ".wingpf")
	}
	if defaultHost == "" {
		defaultHost = DefaultHost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	return &Host{
		Home:        home,
		DefaultHost: defaultHost,
		logger:      logger,
	}, nil
}

// Close releases the cache database if it was opened.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.httpCache = nil
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

func (h *Host) cache() httpcache.Cache {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.httpCache != nil {
		return h.httpCache
	}

	dbPath := filepath.Join(h.Home, "db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		h.logger.Warn("http cache unavailable, using memory cache",
			zap.String("path", dbPath), zap.Error(err))
		h.httpCache = httpcache.NewMemoryCache()
		return h.httpCache
	}
	c, err := boltdbcache.NewWithDB(db)
	if err != nil {
		_ = db.Close()
		h.logger.Warn("http cache unavailable, using memory cache",
			zap.String("path", dbPath), zap.Error(err))
		h.httpCache = httpcache.NewMemoryCache()
		return h.httpCache
	}
	h.db = db
	h.httpCache = c
	return h.httpCache
}

// ResolveProgram maps a program reference to a URL. Existing local paths
// become file URLs; anything else goes through programURL. The fragment is
// returned separately.
func (h *Host) ResolveProgram(ref string) (*url.URL, string, error) {
	if _, err := os.Stat(ref); err == nil {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return nil, "", err
		}
		return fileURL(abs, false), "", nil
	}
	raw, frag, err := programURL(ref, h.DefaultHost)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", err
	}
	return u, frag, nil
}

// LoadProgram resolves ref and fetches the program it names.
func (h *Host) LoadProgram(ctx context.Context, ref string) (name string, src string, err error) {
	u, _, err := h.ResolveProgram(ref)
	if err != nil {
		return "", "", err
	}
	src, final, err := h.fetch(ctx, u, true)
	if err != nil {
		return "", "", err
	}
	return displayName(final), src, nil
}

// Load resolves ref against base and fetches the module. Directories are
// reported as missing so module systems can try their own fallbacks.
func (h *Host) Load(ctx context.Context, base, ref string) (string, string, error) {
	b, err := baseURL(base)
	if err != nil {
		return "", "", err
	}
	u, err := deriveRef(ref, b)
	if err != nil {
		return "", "", err
	}
	src, final, err := h.fetch(ctx, u, false)
	if err != nil {
		return "", "", err
	}
	return displayName(final), src, nil
}

func findFirstLink(node *html.Node) string {
	if node.Type == html.ElementNode && node.Data == "link" {
		for _, attr := range node.Attr {
			if attr.Key == "rel" && attr.Val == LinkRel {
				for _, attr := range node.Attr {
					if attr.Key == "href" {
						return attr.Val
					}
				}
			}
		}
	}
	for c := node.FirstChild; c != nil; c = c.NextSibling {
		if link := findFirstLink(c); link != "" {
			return link
		}
	}
	return ""
}

// Fetch returns the program at u. Directories resolve to their index file.
func (h *Host) Fetch(ctx context.Context, u *url.URL) (string, error) {
	src, _, err := h.fetch(ctx, u, true)
	return src, err
}

// fetch returns the source at u and the URL it was finally read from.
func (h *Host) fetch(ctx context.Context, u *url.URL, allowDir bool) (string, *url.URL, error) {
	switch u.Scheme {
	case "http", "https":
		return h.fetchHTTP(ctx, u, 0)
	case "file":
		return fetchFile(u, allowDir)
	default:
		return "", nil, fmt.Errorf("fetching %q not supported", u)
	}
}

const maxLinkHops = 5

func (h *Host) fetchHTTP(ctx context.Context, u *url.URL, hops int) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", nil, err
	}
	transport := httpcache.Transport{Cache: h.cache(), MarkCachedResponses: true}
	resp, err := transport.Client().Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", nil, fmt.Errorf("fetch %q: %w", u, fs.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		return "", nil, fmt.Errorf("fetch %q: %s", u, resp.Status)
	}
	h.logger.Debug("fetched",
		zap.Stringer("url", u),
		zap.Bool("cached", resp.Header.Get(httpcache.XFromCache) != ""))

	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && mt == "text/html" {
		if hops >= maxLinkHops {
			return "", nil, fmt.Errorf("fetch %q: too many <link rel=%q> hops", u, LinkRel)
		}
		node, err := html.Parse(resp.Body)
		if err != nil {
			return "", nil, fmt.Errorf("parse %q: %w", u, err)
		}
		link := findFirstLink(node)
		if link == "" {
			return "", nil, fmt.Errorf("no <link rel=%q href=\"…\"/> at %v", LinkRel, u)
		}
		lu, err := url.Parse(link)
		if err != nil {
			return "", nil, fmt.Errorf("parse link %q: %w", link, err)
		}
		return h.fetchHTTP(ctx, u.ResolveReference(lu), hops+1)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("read %q: %w", u, err)
	}
	return string(body), u, nil
}

func fetchFile(u *url.URL, allowDir bool) (string, *url.URL, error) {
	p := u.Path
	if u.Host != "" {
		p = u.Host + p
	}
	p = filepath.FromSlash(p)
	info, err := os.Stat(p)
	if err != nil {
		return "", nil, err
	}
	if info.IsDir() {
		if !allowDir {
			return "", nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
		}
		p, err = findIndex(p)
		if err != nil {
			return "", nil, err
		}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %q: %w", p, err)
	}
	return string(data), fileURL(p, false), nil
}

func findIndex(dir string) (string, error) {
	for _, name := range indexNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no program in %q: %w", dir, fs.ErrNotExist)
}
