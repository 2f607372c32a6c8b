// Package manifest models the route manifest: the immutable snapshot of every
// page, endpoint and special component discovered under the routes directory.
//
// A Manifest is never patched. The Builder derives a complete one from disk
// on every call, and holders replace their reference wholesale.
package manifest

import (
	"net/url"
	"reflect"
	"regexp"
)

// Component is a source file the bundler compiles into a module.
type Component struct {
	Name string `json:"name" yaml:"name"`
	// File is slash-separated and relative to the routes root.
	File string `json:"file" yaml:"file"`
	// URL is the logical import path the bundler serves the source under.
	URL string `json:"url" yaml:"url"`
}

// Page is a route rendered through a component and its layout chain.
type Page struct {
	Path    string   `json:"path" yaml:"path"`
	Pattern string   `json:"pattern" yaml:"pattern"`
	Params  []string `json:"params,omitempty" yaml:"params,omitempty"`
	// Parts holds the layout chain, outermost first, followed by the page
	// component itself.
	Parts []Component `json:"parts" yaml:"parts"`

	re *regexp.Regexp
}

// Component returns the page's own component, the last of its parts.
func (p *Page) Component() Component {
	return p.Parts[len(p.Parts)-1]
}

// Endpoint is a route served by a server-side module rather than a page.
type Endpoint struct {
	Path    string   `json:"path" yaml:"path"`
	Pattern string   `json:"pattern" yaml:"pattern"`
	Params  []string `json:"params,omitempty" yaml:"params,omitempty"`
	File    string   `json:"file" yaml:"file"`
	URL     string   `json:"url" yaml:"url"`

	re *regexp.Regexp
}

// Manifest is one complete, immutable view of the routes directory.
type Manifest struct {
	Layout     *Component  `json:"layout,omitempty" yaml:"layout,omitempty"`
	Error      *Component  `json:"error,omitempty" yaml:"error,omitempty"`
	Components []Component `json:"components" yaml:"components"`
	Pages      []Page      `json:"pages" yaml:"pages"`
	Endpoints  []Endpoint  `json:"endpoints" yaml:"endpoints"`
}

// Match is the result of resolving a request path against a manifest.
// Exactly one of Page and Endpoint is set.
type Match struct {
	Page     *Page
	Endpoint *Endpoint
	Params   map[string]string
}

// Match resolves path to the first matching page, then the first matching
// endpoint, in manifest order.
func (m *Manifest) Match(path string) (*Match, bool) {
	if m == nil {
		return nil, false
	}

	for i := range m.Pages {
		page := &m.Pages[i]
		if params, ok := matchParams(page.compiled(), page.Params, path); ok {
			return &Match{Page: page, Params: params}, true
		}
	}

	for i := range m.Endpoints {
		endpoint := &m.Endpoints[i]
		if params, ok := matchParams(endpoint.compiled(), endpoint.Params, path); ok {
			return &Match{Endpoint: endpoint, Params: params}, true
		}
	}

	return nil, false
}

// Equal reports whether two manifests describe the same routes.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	return reflect.DeepEqual(m.view(), other.view())
}

type manifestView struct {
	Layout     *Component
	Error      *Component
	Components []Component
	Pages      []pageView
	Endpoints  []endpointView
}

type pageView struct {
	Path, Pattern string
	Params        []string
	Parts         []Component
}

type endpointView struct {
	Path, Pattern, File, URL string
	Params                   []string
}

// view strips compiled patterns so equality is structural.
func (m *Manifest) view() manifestView {
	v := manifestView{Layout: m.Layout, Error: m.Error, Components: m.Components}
	for _, p := range m.Pages {
		v.Pages = append(v.Pages, pageView{p.Path, p.Pattern, p.Params, p.Parts})
	}
	for _, e := range m.Endpoints {
		v.Endpoints = append(v.Endpoints, endpointView{e.Path, e.Pattern, e.File, e.URL, e.Params})
	}
	return v
}

func (p *Page) compiled() *regexp.Regexp {
	if p.re != nil {
		return p.re
	}
	// Hand-built pages compile per call so a shared manifest is never written.
	return regexp.MustCompile(p.Pattern)
}

func (e *Endpoint) compiled() *regexp.Regexp {
	if e.re != nil {
		return e.re
	}
	return regexp.MustCompile(e.Pattern)
}

func matchParams(re *regexp.Regexp, names []string, path string) (map[string]string, bool) {
	groups := re.FindStringSubmatch(path)
	if groups == nil {
		return nil, false
	}

	params := make(map[string]string, len(names))
	for i, name := range names {
		raw := groups[i+1]
		value, err := url.PathUnescape(raw)
		if err != nil {
			value = raw
		}
		params[name] = value
	}
	return params, true
}
