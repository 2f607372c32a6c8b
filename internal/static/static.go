// Package static serves files from the project's static directory and passes
// every request it cannot resolve on to the next handler.
package static

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// New returns middleware serving GET and HEAD requests from dir. In dev mode
// responses must be revalidated on every request.
func New(dir string, dev bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			file, ok := Resolve(dir, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !serveFile(w, r, file, dev) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Resolve maps a URL path to a regular file inside dir. Directories resolve
// to their index.html. Paths escaping dir never resolve.
func Resolve(dir, urlPath string) (string, bool) {
	if dir == "" || strings.ContainsRune(urlPath, 0) {
		return "", false
	}
	for _, segment := range strings.Split(urlPath, "/") {
		if segment == ".." {
			return "", false
		}
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	full := filepath.Join(root, filepath.FromSlash(path.Clean("/"+urlPath)))
	if rel, err := filepath.Rel(root, full); err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	info, err := os.Stat(full)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		full = filepath.Join(full, "index.html")
		if info, err = os.Stat(full); err != nil {
			return "", false
		}
	}
	if !info.Mode().IsRegular() {
		return "", false
	}
	return full, true
}

func serveFile(w http.ResponseWriter, r *http.Request, file string, dev bool) bool {
	f, err := os.Open(file)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}

	if dev {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	w.Header().Set("ETag", fmt.Sprintf(`W/"%x-%x"`, info.Size(), info.ModTime().UnixNano()))

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}
