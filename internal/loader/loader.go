// Package loader fetches compiled modules from the bundler on demand.
//
// Modules are never cached here. The bundler is expected to serve current
// code on every request, so every Load is a round trip.
package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

// ExportsHeader lets a compilation service list a module's exports
// explicitly instead of having them scanned from source.
const ExportsHeader = "X-Module-Exports"

// Module is a compiled module as served by the bundler.
type Module struct {
	Path        string
	ContentType string
	Code        string
	Exports     []string
}

// HasDefault reports whether the module has a default export.
func (m *Module) HasDefault() bool {
	if m == nil {
		return false
	}
	for _, name := range m.Exports {
		if name == "default" {
			return true
		}
	}
	return false
}

// Has reports whether the module exports name.
func (m *Module) Has(name string) bool {
	if m == nil {
		return false
	}
	for _, export := range m.Exports {
		if export == name {
			return true
		}
	}
	return false
}

// Empty returns a module with no exports, used where a missing module is
// tolerated.
func Empty(path string) *Module {
	return &Module{Path: path, Exports: []string{}}
}

// Loader resolves a logical module path. A missing module is reported with
// an error satisfying errors.IsNotFound; every other failure is a
// *errors.LoadError or a transport error.
type Loader interface {
	Load(ctx context.Context, path string) (*Module, error)
}

// Func adapts a function to the Loader interface.
type Func func(ctx context.Context, path string) (*Module, error)

// Load implements Loader.
func (f Func) Load(ctx context.Context, path string) (*Module, error) {
	return f(ctx, path)
}

// HTTPLoader loads modules with GET requests against the bundler.
type HTTPLoader struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a loader for the bundler at baseURL.
func NewHTTP(baseURL string, client *http.Client) *HTTPLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPLoader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, path string) (*Module, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/javascript")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, kiterrors.NotFound(path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return nil, &kiterrors.LoadError{Path: path, Status: resp.StatusCode, Message: message}
	}

	module := &Module{
		Path:        path,
		ContentType: resp.Header.Get("Content-Type"),
		Code:        string(body),
	}
	if header := resp.Header.Get(ExportsHeader); header != "" {
		module.Exports = splitExports(header)
	} else {
		module.Exports = ScanExports(module.Code)
	}

	return module, nil
}

var (
	exportDefault = regexp.MustCompile(`(?m)^\s*export\s+default\b`)
	exportDecl    = regexp.MustCompile(`(?m)^\s*export\s+(?:async\s+)?(?:const|let|var|function\*?|class)\s+([A-Za-z_$][\w$]*)`)
	exportList    = regexp.MustCompile(`(?m)^\s*export\s*\{([^}]*)\}`)
)

// ScanExports lists the names exported by ES module source. It recognises
// default exports, exported declarations and export lists with renames.
func ScanExports(code string) []string {
	seen := map[string]bool{}

	if exportDefault.MatchString(code) {
		seen["default"] = true
	}
	for _, m := range exportDecl.FindAllStringSubmatch(code, -1) {
		seen[m[1]] = true
	}
	for _, m := range exportList.FindAllStringSubmatch(code, -1) {
		for _, item := range strings.Split(m[1], ",") {
			fields := strings.Fields(item)
			switch {
			case len(fields) == 1:
				seen[fields[0]] = true
			case len(fields) == 3 && fields[1] == "as":
				seen[fields[2]] = true
			}
		}
	}

	exports := make([]string, 0, len(seen))
	for name := range seen {
		exports = append(exports, name)
	}
	sort.Strings(exports)
	return exports
}

func splitExports(header string) []string {
	var exports []string
	for _, name := range strings.Split(header, ",") {
		if name = strings.TrimSpace(name); name != "" {
			exports = append(exports, name)
		}
	}
	sort.Strings(exports)
	return exports
}
