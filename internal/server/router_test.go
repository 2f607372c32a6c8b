package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kitdev/internal/bundler"
	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/loader"
	"github.com/conneroisu/kitdev/internal/manifest"
	"github.com/conneroisu/kitdev/internal/render"
)

const testTemplate = `<html><head><title>t</title></head><body>%svelte.body%</body></html>`

type fakeBundler struct {
	mu     sync.Mutex
	calls  []bundler.HandleOptions
	handle func(w http.ResponseWriter, r *http.Request, opts bundler.HandleOptions) error
}

func (f *fakeBundler) HandleRequest(w http.ResponseWriter, r *http.Request, opts bundler.HandleOptions) error {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	if f.handle == nil {
		return kiterrors.NotFound(r.URL.Path)
	}
	return f.handle(w, r, opts)
}

func (f *fakeBundler) SendErrorResponse(w http.ResponseWriter, r *http.Request, status int) {
	http.Error(w, http.StatusText(status), status)
}

func (f *fakeBundler) Port() int      { return 3001 }
func (f *fakeBundler) URL() string    { return "http://localhost:3001" }
func (f *fakeBundler) Close() error   { return nil }
func (f *fakeBundler) callCount() int { f.mu.Lock(); defer f.mu.Unlock(); return len(f.calls) }

type fakeLoader struct {
	mu      sync.Mutex
	paths   []string
	modules map[string]*loader.Module
	errs    map[string]error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		modules: map[string]*loader.Module{
			"/_app/setup/index.js": {Path: "/_app/setup/index.js", Exports: []string{"prepare"}},
			"/_app/main/root.js":   {Path: "/_app/main/root.js", Exports: []string{"default"}},
		},
		errs: map[string]error{},
	}
}

func (l *fakeLoader) Load(_ context.Context, path string) (*loader.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
	if err, ok := l.errs[path]; ok {
		return nil, err
	}
	if m, ok := l.modules[path]; ok {
		return m, nil
	}
	return nil, kiterrors.NotFound(path)
}

func (l *fakeLoader) loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

type renderRecorder struct {
	mu    sync.Mutex
	calls []render.Options
	reqs  []render.Request
	fn    render.Func
}

func (rr *renderRecorder) render(ctx context.Context, req render.Request, opts render.Options) (*render.Response, error) {
	rr.mu.Lock()
	rr.calls = append(rr.calls, opts)
	rr.reqs = append(rr.reqs, req)
	rr.mu.Unlock()
	if rr.fn == nil {
		return &render.Response{Status: http.StatusOK, Body: []byte("rendered")}, nil
	}
	return rr.fn(ctx, req, opts)
}

func (rr *renderRecorder) count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.calls)
}

type fixture struct {
	dir      string
	bundler  *fakeBundler
	loader   *fakeLoader
	renderer *renderRecorder
	snapshot *Snapshot
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	staticDir := filepath.Join(dir, "static")
	require.NoError(t, os.MkdirAll(staticDir, 0755))
	templatePath := filepath.Join(dir, "app.html")
	require.NoError(t, os.WriteFile(templatePath, []byte(testTemplate), 0644))

	f := &fixture{
		dir:      dir,
		bundler:  &fakeBundler{},
		loader:   newFakeLoader(),
		renderer: &renderRecorder{},
		snapshot: &Snapshot{Manifest: &manifest.Manifest{}},
	}
	f.cfg = Config{
		StaticDir:      staticDir,
		TemplatePath:   templatePath,
		Dev:            true,
		HMRClientPaths: []string{"/__snowpack__/hmr-client.js"},
		SetupModule:    "/_app/setup/index.js",
		RootModule:     "/_app/main/root.js",
		ClientEntry:    "/_app/main/client.js",
		Bundler:        f.bundler,
		Loader:         f.loader,
		Render:         f.renderer.render,
		Snapshot:       func() *Snapshot { return f.snapshot },
	}
	return f
}

func (f *fixture) serve(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	NewRouter(f.cfg).ServeHTTP(w, r)
	return w
}

func TestWebSocketUpgradeGoesToBundler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.StaticDir, "index.html"), []byte("static index"), 0644))
	f.bundler.handle = func(w http.ResponseWriter, r *http.Request, opts bundler.HandleOptions) error {
		assert.False(t, opts.SuppressErrorResponse)
		_, _ = io.WriteString(w, "bridged")
		return nil
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	w := f.serve(r)

	assert.Equal(t, "bridged", w.Body.String())
	assert.Equal(t, 1, f.bundler.callCount())
	assert.Empty(t, f.loader.loaded())
	assert.Zero(t, f.renderer.count())
}

func TestWebSocketBridgeFailure(t *testing.T) {
	f := newFixture(t)
	f.bundler.handle = func(http.ResponseWriter, *http.Request, bundler.HandleOptions) error {
		return errors.New("dial failed")
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	w := f.serve(r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Zero(t, f.renderer.count())
}

func TestUpgradeOffRootIsNotBridged(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/about", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	w := f.serve(r)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.bundler.calls, 1)
	assert.True(t, f.bundler.calls[0].SuppressErrorResponse)
	assert.Equal(t, 1, f.renderer.count())
}

func TestUpgradeOffRootFallsThroughRealBundler(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(upstream.Close)
	svc, err := bundler.NewRemote(upstream.URL, nil)
	require.NoError(t, err)

	f := newFixture(t)
	f.cfg.Bundler = svc

	r := httptest.NewRequest(http.MethodGet, "/about", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Sec-WebSocket-Version", "13")
	r.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	w := f.serve(r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rendered", w.Body.String())
	assert.Equal(t, 1, f.renderer.count())
}

func TestAnyMethodReachesRender(t *testing.T) {
	for _, method := range []string{"PROPFIND", "QUERY", http.MethodPatch, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			f := newFixture(t)

			w := f.serve(httptest.NewRequest(method, "/about", nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "rendered", w.Body.String())
			assert.Equal(t, 1, f.bundler.callCount())
			require.Len(t, f.renderer.reqs, 1)
			assert.Equal(t, method, f.renderer.reqs[0].Method)
		})
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	f := newFixture(t)
	f.bundler.handle = func(http.ResponseWriter, *http.Request, bundler.HandleOptions) error {
		return kiterrors.NewIOError(kiterrors.ErrCodeInternalError, "reading request body", &http.MaxBytesError{Limit: 8})
	}

	w := f.serve(httptest.NewRequest(http.MethodPost, "/about", strings.NewReader("too large a body")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Zero(t, f.renderer.count())
}

func TestStaticFileServed(t *testing.T) {
	f := newFixture(t)
	css := "body { color: red; }"
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.StaticDir, "styles.css"), []byte(css), 0644))

	w := f.serve(httptest.NewRequest(http.MethodGet, "/styles.css", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, css, w.Body.String())
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Zero(t, f.bundler.callCount())
	assert.Empty(t, f.loader.loaded())
	assert.Zero(t, f.renderer.count())
}

func TestBundlerProbeResolves(t *testing.T) {
	f := newFixture(t)
	// A missing template would fail rendering, so success proves it is never read.
	require.NoError(t, os.Remove(f.cfg.TemplatePath))
	f.bundler.handle = func(w http.ResponseWriter, r *http.Request, opts bundler.HandleOptions) error {
		if r.URL.Path != "/__bundler__/client.js" {
			return kiterrors.NotFound(r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "export default 1;")
		return nil
	}

	w := f.serve(httptest.NewRequest(http.MethodGet, "/__bundler__/client.js", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "export default 1;", w.Body.String())
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Empty(t, f.loader.loaded())
	assert.Zero(t, f.renderer.count())
}

func TestBundlerProbeFailure(t *testing.T) {
	f := newFixture(t)
	f.bundler.handle = func(http.ResponseWriter, *http.Request, bundler.HandleOptions) error {
		return kiterrors.NewNetworkError(kiterrors.ErrCodeInternalError, "connection refused", nil)
	}

	w := f.serve(httptest.NewRequest(http.MethodGet, "/about", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, f.loader.loaded())
	assert.Zero(t, f.renderer.count())
}

func TestRootLoadErrorBody(t *testing.T) {
	f := newFixture(t)
	f.loader.errs["/_app/main/root.js"] = &kiterrors.LoadError{Message: "compile error at line 4"}

	w := f.serve(httptest.NewRequest(http.MethodGet, "/about", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "compile error at line 4", w.Body.String())
	assert.Zero(t, f.renderer.count())
}

func TestModuleLoading(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(l *fakeLoader)
		wantStatus int
		wantBody   string
		wantRender bool
		check      func(t *testing.T, opts render.Options)
	}{
		{
			name:       "setup and root loaded",
			setup:      func(l *fakeLoader) {},
			wantStatus: http.StatusOK,
			wantBody:   "rendered",
			wantRender: true,
			check: func(t *testing.T, opts render.Options) {
				assert.True(t, opts.Setup.Has("prepare"))
				assert.True(t, opts.Root.HasDefault())
			},
		},
		{
			name: "missing setup becomes empty module",
			setup: func(l *fakeLoader) {
				delete(l.modules, "/_app/setup/index.js")
			},
			wantStatus: http.StatusOK,
			wantBody:   "rendered",
			wantRender: true,
			check: func(t *testing.T, opts render.Options) {
				require.NotNil(t, opts.Setup)
				assert.Empty(t, opts.Setup.Exports)
			},
		},
		{
			name: "setup failure",
			setup: func(l *fakeLoader) {
				l.errs["/_app/setup/index.js"] = &kiterrors.LoadError{Message: "setup exploded"}
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "setup exploded",
		},
		{
			name: "missing root",
			setup: func(l *fakeLoader) {
				delete(l.modules, "/_app/main/root.js")
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "/_app/main/root.js: NOT_FOUND",
		},
		{
			name: "root without default export",
			setup: func(l *fakeLoader) {
				l.modules["/_app/main/root.js"] = &loader.Module{Path: "/_app/main/root.js", Exports: []string{"other"}}
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   RootComponentMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.loader)

			w := f.serve(httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
			if !tt.wantRender {
				assert.Zero(t, f.renderer.count())
				return
			}
			require.Equal(t, 1, f.renderer.count())
			if tt.check != nil {
				tt.check(t, f.renderer.calls[0])
			}
		})
	}
}

func TestRenderOptions(t *testing.T) {
	f := newFixture(t)
	w := f.serve(httptest.NewRequest(http.MethodGet, "http://example.com:3000/blog/hello?draft=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, 1, f.renderer.count())
	opts := f.renderer.calls[0]
	req := f.renderer.reqs[0]

	assert.Same(t, f.snapshot.Manifest, opts.Manifest)
	assert.True(t, opts.Dev)
	assert.Equal(t, "/_app/main/client.js", opts.ClientEntry)
	assert.Contains(t, opts.Template, `window.HMR_WEBSOCKET_URL = "ws://example.com:3001"`)
	assert.Contains(t, opts.Template, `src="/__snowpack__/hmr-client.js"`)
	assert.Less(t, strings.Index(opts.Template, "HMR_WEBSOCKET_URL"), strings.Index(opts.Template, "</head>"))

	assert.Equal(t, "/blog/hello", req.Path)
	assert.Equal(t, "1", req.Query.Get("draft"))
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "example.com:3000", req.Host)
}

func TestTemplateReadFresh(t *testing.T) {
	f := newFixture(t)
	h := NewRouter(f.cfg)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, os.WriteFile(f.cfg.TemplatePath, []byte("<head></head>edited"), 0644))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, 2, f.renderer.count())
	assert.NotContains(t, f.renderer.calls[0].Template, "edited")
	assert.Contains(t, f.renderer.calls[1].Template, "edited")
}

func TestTemplateMissing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.cfg.TemplatePath))

	w := f.serve(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Empty(t, f.loader.loaded())
	assert.Zero(t, f.renderer.count())
}

func TestComponentLoadUsesModulePath(t *testing.T) {
	tests := []struct {
		name       string
		modulePath render.ModulePathFunc
		want       string
	}{
		{"default", nil, "/_app/routes/about.js"},
		{"custom", func(u string) string { return "/compiled" + u }, "/compiled/_app/routes/about.svelte"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.ModulePath = tt.modulePath
			f.renderer.fn = func(ctx context.Context, _ render.Request, opts render.Options) (*render.Response, error) {
				_, err := opts.Load(ctx, "/_app/routes/about.svelte")
				return &render.Response{Status: http.StatusOK}, err
			}

			f.serve(httptest.NewRequest(http.MethodGet, "/about", nil))

			assert.Contains(t, f.loader.loaded(), tt.want)
		})
	}
}

func TestRenderOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		fn         render.Func
		wantStatus int
		wantBody   string
		wantHeader http.Header
	}{
		{
			name: "response written verbatim",
			fn: func(context.Context, render.Request, render.Options) (*render.Response, error) {
				return &render.Response{
					Status:  http.StatusCreated,
					Headers: http.Header{"X-Route": {"about"}, "Content-Type": {"text/html"}},
					Body:    []byte("<p>about</p>"),
				}, nil
			},
			wantStatus: http.StatusCreated,
			wantBody:   "<p>about</p>",
			wantHeader: http.Header{"X-Route": {"about"}, "Content-Type": {"text/html"}},
		},
		{
			name: "zero status means ok",
			fn: func(context.Context, render.Request, render.Options) (*render.Response, error) {
				return &render.Response{Body: []byte("ok")}, nil
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "no match",
			fn: func(context.Context, render.Request, render.Options) (*render.Response, error) {
				return nil, nil
			},
			wantStatus: http.StatusNotFound,
			wantBody:   "Not found",
		},
		{
			name: "render error",
			fn: func(context.Context, render.Request, render.Options) (*render.Response, error) {
				return nil, errors.New("component threw")
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "component threw",
		},
		{
			name: "render panic",
			fn: func(context.Context, render.Request, render.Options) (*render.Response, error) {
				panic("boom")
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.renderer.fn = tt.fn

			w := f.serve(httptest.NewRequest(http.MethodGet, "/about", nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
			for key, values := range tt.wantHeader {
				assert.Equal(t, values, w.Header().Values(key))
			}
		})
	}
}

func TestSnapshotError(t *testing.T) {
	f := newFixture(t)
	f.snapshot = &Snapshot{
		Manifest: &manifest.Manifest{},
		Err:      errors.New("src/routes/[a][b].svelte: parameters must be separated"),
	}

	w := f.serve(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "src/routes/[a][b].svelte: parameters must be separated", w.Body.String())
	assert.Zero(t, f.renderer.count())
}

func TestSnapshotCapturedOncePerRequest(t *testing.T) {
	f := newFixture(t)
	first := &manifest.Manifest{}
	second := &manifest.Manifest{}
	calls := 0
	f.cfg.Snapshot = func() *Snapshot {
		calls++
		if calls == 1 {
			return &Snapshot{Manifest: first}
		}
		return &Snapshot{Manifest: second}
	}
	f.renderer.fn = func(context.Context, render.Request, render.Options) (*render.Response, error) {
		return &render.Response{Status: http.StatusOK}, nil
	}

	f.serve(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 1, calls)
	require.Equal(t, 1, f.renderer.count())
	assert.Same(t, first, f.renderer.calls[0].Manifest)
}

func TestRequestBodyReachesRender(t *testing.T) {
	f := newFixture(t)
	f.bundler.handle = func(w http.ResponseWriter, r *http.Request, opts bundler.HandleOptions) error {
		return kiterrors.NotFound(r.URL.Path)
	}

	f.serve(httptest.NewRequest(http.MethodPost, "/contact", strings.NewReader("name=kit")))

	require.Equal(t, 1, f.renderer.count())
	assert.Equal(t, "name=kit", string(f.renderer.reqs[0].Body))
	assert.Equal(t, http.MethodPost, f.renderer.reqs[0].Method)
}

func TestShellRendererEndToEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.TemplatePath,
		[]byte(`<html><head>%svelte.head%</head><body>%svelte.body%</body></html>`), 0644))

	routes := filepath.Join(f.dir, "routes")
	require.NoError(t, os.MkdirAll(routes, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(routes, "index.svelte"), nil, 0644))
	m, err := manifest.NewBuilder("/_app/routes", nil, "_").Build(routes)
	require.NoError(t, err)
	f.snapshot = &Snapshot{Manifest: m}

	f.loader.modules["/_app/routes/index.js"] = &loader.Module{Path: "/_app/routes/index.js", Exports: []string{"default"}}
	f.cfg.Render = nil

	w := f.serve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<div id="svelte">`)
	assert.Contains(t, w.Body.String(), "/_app/routes/index.js")

	w = f.serve(httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", w.Body.String())
}
