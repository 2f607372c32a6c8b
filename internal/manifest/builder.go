package manifest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

// BuildFunc derives a manifest from the routes directory at root.
type BuildFunc func(root string) (*Manifest, error)

// Builder turns a routes directory into a Manifest. Build is a pure function
// of the directory contents at call time.
type Builder struct {
	PageExtensions     []string
	EndpointExtensions []string
	PrivatePrefix      string
	ImportPath         string
}

// NewBuilder creates a builder for the given routes import path. Endpoints
// default to .js and .ts modules.
func NewBuilder(importPath string, pageExtensions []string, privatePrefix string) *Builder {
	if len(pageExtensions) == 0 {
		pageExtensions = []string{".svelte"}
	}
	if privatePrefix == "" {
		privatePrefix = "_"
	}
	return &Builder{
		PageExtensions:     pageExtensions,
		EndpointExtensions: []string{".js", ".ts"},
		PrivatePrefix:      privatePrefix,
		ImportPath:         importPath,
	}
}

type routeKind int

const (
	kindPage routeKind = iota
	kindEndpoint
)

type route struct {
	kind     routeKind
	file     string
	segments []segment
	parts    []Component
}

type buildState struct {
	components []Component
	routes     []route
	layout     *Component
	errorPage  *Component
}

// Build walks root and returns the manifest describing it.
func (b *Builder) Build(root string) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeManifestBuild, "routes directory unavailable: "+root, err)
	}
	if !info.IsDir() {
		return nil, kiterrors.NewBuildError(kiterrors.ErrCodeManifestBuild, "routes path is not a directory: "+root, nil)
	}

	state := &buildState{}
	if err := b.walk(root, "", nil, nil, state); err != nil {
		return nil, err
	}

	sort.SliceStable(state.routes, func(i, j int) bool {
		return lessRoute(state.routes[i], state.routes[j])
	})

	m := &Manifest{
		Layout:     state.layout,
		Error:      state.errorPage,
		Components: state.components,
		Pages:      []Page{},
		Endpoints:  []Endpoint{},
	}
	if m.Components == nil {
		m.Components = []Component{}
	}

	seen := map[routeKind]map[string]string{kindPage: {}, kindEndpoint: {}}
	for _, r := range state.routes {
		pattern, params := compilePattern(r.segments)
		if other, dup := seen[r.kind][pattern]; dup {
			return nil, kiterrors.NewBuildError(
				kiterrors.ErrCodeRouteConflict,
				fmt.Sprintf("%s and %s resolve to the same route %s", other, r.file, routePath(r.segments)),
				nil,
			)
		}
		seen[r.kind][pattern] = r.file

		re := regexp.MustCompile(pattern)
		switch r.kind {
		case kindPage:
			m.Pages = append(m.Pages, Page{
				Path:    routePath(r.segments),
				Pattern: pattern,
				Params:  params,
				Parts:   r.parts,
				re:      re,
			})
		case kindEndpoint:
			m.Endpoints = append(m.Endpoints, Endpoint{
				Path:    routePath(r.segments),
				Pattern: pattern,
				Params:  params,
				File:    r.file,
				URL:     b.url(r.file),
				re:      re,
			})
		}
	}

	return m, nil
}

func (b *Builder) walk(dir, rel string, segments []segment, layouts []Component, state *buildState) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return kiterrors.NewIOError(kiterrors.ErrCodeManifestBuild, "reading "+dir, err)
	}

	// Special components apply to every sibling and descendant, so find them
	// before anything else in this directory.
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base, ext := b.splitPage(entry.Name())
		if ext == "" {
			continue
		}
		switch base {
		case "$layout":
			c := b.component(path.Join(rel, entry.Name()))
			state.components = append(state.components, c)
			layouts = append(append([]Component(nil), layouts...), c)
			if rel == "" {
				state.layout = &c
			}
		case "$error":
			if rel == "" {
				c := b.component(entry.Name())
				state.components = append(state.components, c)
				state.errorPage = &c
			}
		}
	}

	for _, entry := range entries {
		name := entry.Name()
		if b.isPrivate(name) || strings.HasPrefix(name, "$") {
			continue
		}
		file := path.Join(rel, name)

		if entry.IsDir() {
			seg, err := parseSegment(name)
			if err != nil {
				return kiterrors.NewBuildError(kiterrors.ErrCodeManifestBuild, "invalid route directory "+file, err)
			}
			if err := b.walk(filepath.Join(dir, name), file, appendSegment(segments, seg), layouts, state); err != nil {
				return err
			}
			continue
		}

		kind := kindPage
		base, ext := b.splitPage(name)
		if ext == "" {
			kind = kindEndpoint
			base, ext = splitExt(name, b.EndpointExtensions)
			if ext == "" {
				continue
			}
		}

		routeSegments := segments
		if base != "index" {
			seg, err := parseSegment(base)
			if err != nil {
				return kiterrors.NewBuildError(kiterrors.ErrCodeManifestBuild, "invalid route file "+file, err)
			}
			routeSegments = appendSegment(segments, seg)
		}

		r := route{kind: kind, file: file, segments: routeSegments}
		if kind == kindPage {
			c := b.component(file)
			state.components = append(state.components, c)
			r.parts = append(append([]Component(nil), layouts...), c)
		}
		state.routes = append(state.routes, r)
	}

	return nil
}

func (b *Builder) isPrivate(name string) bool {
	return strings.HasPrefix(name, b.PrivatePrefix) || strings.HasPrefix(name, ".")
}

func (b *Builder) splitPage(name string) (string, string) {
	return splitExt(name, b.PageExtensions)
}

func (b *Builder) component(file string) Component {
	return Component{
		Name: componentName(file),
		File: file,
		URL:  b.url(file),
	}
}

func (b *Builder) url(file string) string {
	return path.Join("/", b.ImportPath, file)
}

// splitExt returns the name without the longest matching extension.
func splitExt(name string, extensions []string) (string, string) {
	best := ""
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) && len(ext) > len(best) && len(name) > len(ext) {
			best = ext
		}
	}
	return strings.TrimSuffix(name, best), best
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_$]`)

func componentName(file string) string {
	ext := path.Ext(file)
	name := nonIdent.ReplaceAllString(strings.TrimSuffix(file, ext), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

func appendSegment(segments []segment, seg segment) []segment {
	out := make([]segment, len(segments), len(segments)+1)
	copy(out, segments)
	return append(out, seg)
}

func routePath(segments []segment) string {
	if len(segments) == 0 {
		return "/"
	}
	raw := make([]string, len(segments))
	for i, s := range segments {
		raw[i] = s.raw
	}
	return "/" + strings.Join(raw, "/")
}

func compilePattern(segments []segment) (string, []string) {
	if len(segments) == 0 {
		return `^/$`, nil
	}

	var params []string
	var sb strings.Builder
	sb.WriteString("^")
	for _, s := range segments {
		if s.rest {
			sb.WriteString(`(?:/(.*))?`)
			params = append(params, s.parts[0].content)
			continue
		}
		sb.WriteString("/")
		for _, p := range s.parts {
			if p.dynamic {
				sb.WriteString(`([^/]+?)`)
				params = append(params, p.content)
			} else {
				sb.WriteString(regexp.QuoteMeta(p.content))
			}
		}
	}
	sb.WriteString(`/?$`)

	return sb.String(), params
}

// lessRoute orders more specific routes first: static segments before
// partially dynamic ones, before pure parameters, before rest parameters.
func lessRoute(a, b route) bool {
	n := len(a.segments)
	if len(b.segments) < n {
		n = len(b.segments)
	}
	for i := 0; i < n; i++ {
		sa, sb := a.segments[i], b.segments[i]
		if sa.rank() != sb.rank() {
			return sa.rank() < sb.rank()
		}
		if sa.raw != sb.raw {
			return sa.raw < sb.raw
		}
	}
	if len(a.segments) != len(b.segments) {
		return len(a.segments) < len(b.segments)
	}
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	return a.file < b.file
}
