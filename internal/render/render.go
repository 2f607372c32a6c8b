// Package render defines the contract between the request router and the
// function that turns a matched route into a response, and provides the
// default shell renderer plus hot-reload bootstrap injection.
package render

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/conneroisu/kitdev/internal/loader"
	"github.com/conneroisu/kitdev/internal/manifest"
)

// Request describes the incoming request being rendered.
type Request struct {
	Host    string
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// Response is written to the client verbatim.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// LoadFunc loads the compiled module for a component URL.
type LoadFunc func(ctx context.Context, componentURL string) (*loader.Module, error)

// Options is the render context assembled for one request. It is never
// shared between requests.
type Options struct {
	// Template is the page template with the HMR bootstrap already injected.
	Template string
	Manifest *manifest.Manifest
	Setup    *loader.Module
	Root     *loader.Module
	Load     LoadFunc
	Dev      bool
	// ClientEntry is the URL of the client-side start module.
	ClientEntry string
}

// Func renders a request. A nil response with a nil error means no route
// matched.
type Func func(ctx context.Context, req Request, opts Options) (*Response, error)

// ModulePathFunc maps a component source URL to the URL of its compiled
// module.
type ModulePathFunc func(componentURL string) string

// DefaultModulePath replaces the trailing extension with .js.
func DefaultModulePath(componentURL string) string {
	ext := path.Ext(componentURL)
	if ext == ".js" {
		return componentURL
	}
	return strings.TrimSuffix(componentURL, ext) + ".js"
}

// NewRequest captures the parts of r a render function may use.
func NewRequest(r *http.Request, body []byte) Request {
	return Request{
		Host:    r.Host,
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header.Clone(),
		Body:    body,
	}
}
