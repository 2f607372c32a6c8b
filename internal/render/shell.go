package render

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/a-h/templ"

	"github.com/conneroisu/kitdev/internal/loader"
)

// Placeholders filled by Shell.
const (
	HeadPlaceholder = "%svelte.head%"
	BodyPlaceholder = "%svelte.body%"
)

// Shell is the default render function. It resolves the page's layout chain
// through Load and returns the template with a hydration mount point;
// components are rendered in the browser by the client entry.
func Shell(ctx context.Context, req Request, opts Options) (*Response, error) {
	match, ok := opts.Manifest.Match(req.Path)
	if !ok {
		return nil, nil
	}

	if match.Endpoint != nil {
		return &Response{
			Status:  http.StatusNotImplemented,
			Headers: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:    []byte(fmt.Sprintf("endpoint %s needs a JavaScript runtime to execute", match.Endpoint.File)),
		}, nil
	}

	modules := make([]*loader.Module, 0, len(match.Page.Parts))
	for _, part := range match.Page.Parts {
		module, err := opts.Load(ctx, part.URL)
		if err != nil {
			return nil, err
		}
		if !module.HasDefault() {
			return nil, fmt.Errorf("component %s has no default export", part.File)
		}
		modules = append(modules, module)
	}

	var head, body strings.Builder
	if err := preloadLinks(modules).Render(ctx, &head); err != nil {
		return nil, err
	}
	if err := mountPoint(opts.ClientEntry, match.Page.Path, match.Params, modules).Render(ctx, &body); err != nil {
		return nil, err
	}

	page := strings.Replace(opts.Template, HeadPlaceholder, head.String(), 1)
	page = strings.Replace(page, BodyPlaceholder, body.String(), 1)

	headers := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	if opts.Dev {
		headers.Set("Cache-Control", "no-cache")
	}

	return &Response{Status: http.StatusOK, Headers: headers, Body: []byte(page)}, nil
}

func preloadLinks(modules []*loader.Module) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		for _, m := range modules {
			if _, err := fmt.Fprintf(w, `<link rel="modulepreload" href="%s">`, templ.EscapeString(m.Path)); err != nil {
				return err
			}
		}
		return nil
	})
}

type startConfig struct {
	Route      string            `json:"route"`
	Params     map[string]string `json:"params"`
	Components []string          `json:"components"`
}

func mountPoint(entry, route string, params map[string]string, modules []*loader.Module) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		cfg := startConfig{Route: route, Params: params, Components: make([]string, 0, len(modules))}
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		for _, m := range modules {
			cfg.Components = append(cfg.Components, m.Path)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		entryURL, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintf(w,
			`<div id="svelte"></div><script type="module">import { start } from %s; start({ target: document.querySelector("#svelte"), ...%s });</script>`,
			entryURL, data)
		return err
	})
}
