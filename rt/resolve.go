package rt

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// programURL turns a bare program reference into a URL. References without
// a host get defaultHost; references without a scheme get https.
func programURL(in string, defaultHost string) (string, string, error) {
	u, err := url.Parse(in)
	if err == nil && u.Opaque != "" {
		u, err = url.Parse("https://" + in)
	}
	if err != nil {
		return "", "", err
	}
	frag := u.Fragment
	u.Fragment = ""
	if u.Host == "" && u.Scheme != "file" {
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if strings.ContainsRune(parts[0], '.') {
			u.Host = parts[0]
			if len(parts) == 1 {
				u.Path = ""
			} else {
				u.Path = "/" + parts[1]
			}
		} else {
			u.Host = defaultHost
		}
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return u.String(), frag, nil
}

// deriveRef resolves ref against base, dropping any fragment.
func deriveRef(ref string, base *url.URL) (*url.URL, error) {
	u, err := base.Parse(ref)
	if err != nil {
		return nil, err
	}
	u.Fragment = ""
	return u, nil
}

// baseURL interprets base as either a URL or a local path. Directories map
// to a URL with a trailing slash so relative references land inside them.
func baseURL(base string) (*url.URL, error) {
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return fileURL(wd, true), nil
	}
	if u, err := url.Parse(base); err == nil && len(u.Scheme) > 1 {
		return u, nil
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	return fileURL(abs, err == nil && info.IsDir()), nil
}

func fileURL(path string, dir bool) *url.URL {
	p := filepath.ToSlash(path)
	if dir && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return &url.URL{Scheme: "file", Path: p}
}

// displayName is the name a loaded module is known by: a local path for
// files, the URL otherwise.
func displayName(u *url.URL) string {
	if u.Scheme == "file" {
		return filepath.FromSlash(u.Path)
	}
	return u.String()
}
