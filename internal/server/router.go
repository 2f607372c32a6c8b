// Package server routes every request of a dev session. A request is offered,
// in order, to the bundler's hot-reload socket, the static directory, the
// bundler itself and finally to server-side rendering against the current
// route manifest.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/conneroisu/kitdev/internal/bundler"
	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/loader"
	"github.com/conneroisu/kitdev/internal/logging"
	"github.com/conneroisu/kitdev/internal/manifest"
	"github.com/conneroisu/kitdev/internal/render"
	"github.com/conneroisu/kitdev/internal/static"
)

// RootComponentMissing is the body sent when the root module loads but has
// no default export.
const RootComponentMissing = "Failed to load root component"

// Snapshot is the manifest state a request is served against. Err is set
// when the most recent rebuild failed; Manifest then holds the last good one.
type Snapshot struct {
	Manifest *manifest.Manifest
	Err      error
}

// Config wires the router to its collaborators.
type Config struct {
	StaticDir      string
	TemplatePath   string
	Dev            bool
	HMRClientPaths []string
	SetupModule    string
	RootModule     string
	ClientEntry    string

	Bundler    bundler.Service
	Loader     loader.Loader
	Render     render.Func
	ModulePath render.ModulePathFunc
	// Snapshot returns the current manifest state. It is called once per
	// request.
	Snapshot func() *Snapshot
	Logger   logging.Logger
}

type router struct {
	cfg    Config
	logger logging.Logger
}

// NewRouter returns the request handler for a dev session.
func NewRouter(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Render == nil {
		cfg.Render = render.Shell
	}
	if cfg.ModulePath == nil {
		cfg.ModulePath = render.DefaultModulePath
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = func() *Snapshot { return &Snapshot{} }
	}

	h := &router{cfg: cfg, logger: cfg.Logger.WithComponent("server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Use(h.bundlerSocket)
	r.Use(static.New(cfg.StaticDir, cfg.Dev))
	r.Use(h.bundlerProbe)

	r.Handle("/*", http.HandlerFunc(h.serveSSR))
	// chi answers methods it has no table entry for with 405; render those too.
	r.MethodNotAllowed(h.serveSSR)

	return r
}

// bundlerSocket hands hot-reload socket upgrades on the root path straight
// to the bundler.
func (h *router) bundlerSocket(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || !bundler.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		if err := h.cfg.Bundler.HandleRequest(w, r, bundler.HandleOptions{}); err != nil {
			h.logger.Error(r.Context(), err, "Bundler socket failed")
			h.cfg.Bundler.SendErrorResponse(w, r, http.StatusInternalServerError)
		}
	})
}

// bundlerProbe offers the request to the bundler; only a not-found answer
// lets it continue to rendering.
func (h *router) bundlerProbe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.cfg.Bundler.HandleRequest(w, r, bundler.HandleOptions{SuppressErrorResponse: true})
		switch {
		case err == nil:
			return
		case kiterrors.IsNotFound(err):
			next.ServeHTTP(w, r)
		case errors.As(err, new(*http.MaxBytesError)):
			h.cfg.Bundler.SendErrorResponse(w, r, http.StatusRequestEntityTooLarge)
		default:
			h.logger.Error(r.Context(), err, "Bundler request failed", "path", r.URL.Path)
			h.cfg.Bundler.SendErrorResponse(w, r, http.StatusInternalServerError)
		}
	})
}

func (h *router) serveSSR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snapshot := h.cfg.Snapshot()
	if snapshot == nil {
		snapshot = &Snapshot{}
	}
	if snapshot.Err != nil {
		writeText(w, http.StatusInternalServerError, snapshot.Err.Error())
		return
	}

	// Read on every request so template edits show up without a restart.
	tmpl, err := os.ReadFile(h.cfg.TemplatePath)
	if err != nil {
		h.logger.Error(ctx, kiterrors.NewIOError(kiterrors.ErrCodeTemplateMissing, "reading page template", err),
			"Failed to read page template", "path", h.cfg.TemplatePath)
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}

	page, err := render.InjectHMR(ctx, string(tmpl), hmrHost(r), h.cfg.Bundler.Port(), h.cfg.HMRClientPaths)
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}

	setup, err := h.cfg.Loader.Load(ctx, h.cfg.SetupModule)
	if err != nil {
		if !kiterrors.IsNotFound(err) {
			writeText(w, http.StatusInternalServerError, err.Error())
			return
		}
		setup = loader.Empty(h.cfg.SetupModule)
	}

	root, err := h.cfg.Loader.Load(ctx, h.cfg.RootModule)
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !root.HasDefault() {
		writeText(w, http.StatusInternalServerError, RootComponentMissing)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.cfg.Render(ctx, render.NewRequest(r, body), render.Options{
		Template:    page,
		Manifest:    snapshot.Manifest,
		Setup:       setup,
		Root:        root,
		Load:        h.load,
		Dev:         h.cfg.Dev,
		ClientEntry: h.cfg.ClientEntry,
	})
	if err != nil {
		h.logger.Error(ctx, err, "Render failed", "path", r.URL.Path)
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp == nil {
		writeText(w, http.StatusNotFound, "Not found")
		return
	}

	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func (h *router) load(ctx context.Context, componentURL string) (*loader.Module, error) {
	return h.cfg.Loader.Load(ctx, h.cfg.ModulePath(componentURL))
}

// hmrHost is the host the browser should dial the bundler on: the one it
// used to reach this server.
func hmrHost(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return "localhost"
	}
	return host
}

// writeText writes msg as the whole body, with no trailing newline.
func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
