package loader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

func newBundler(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/_app/main/root.js", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/javascript", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("const Root = {};\nexport default Root;\nexport const preload = () => {};\n"))
	})
	mux.HandleFunc("/_app/setup/index.js", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/broken.js", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("compile error at line 4\n"))
	})
	mux.HandleFunc("/empty-error.js", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/declared.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ExportsHeader, "load, default ,")
		w.Write([]byte("/* opaque */"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLoaderLoad(t *testing.T) {
	srv := newBundler(t)
	l := NewHTTP(srv.URL+"/", srv.Client())

	t.Run("module with default export", func(t *testing.T) {
		m, err := l.Load(context.Background(), "/_app/main/root.js")
		require.NoError(t, err)
		assert.Equal(t, "/_app/main/root.js", m.Path)
		assert.Equal(t, "application/javascript", m.ContentType)
		assert.True(t, m.HasDefault())
		assert.True(t, m.Has("preload"))
		assert.Contains(t, m.Code, "export default Root")
	})

	t.Run("relative path gets a leading slash", func(t *testing.T) {
		m, err := l.Load(context.Background(), "_app/main/root.js")
		require.NoError(t, err)
		assert.Equal(t, "/_app/main/root.js", m.Path)
	})

	t.Run("not found", func(t *testing.T) {
		m, err := l.Load(context.Background(), "/_app/setup/index.js")
		require.Error(t, err)
		assert.Nil(t, m)
		assert.True(t, kiterrors.IsNotFound(err))
		assert.True(t, errors.Is(err, kiterrors.ErrNotFound))
		assert.Equal(t, "/_app/setup/index.js: NOT_FOUND", err.Error())
	})

	t.Run("compile error body is the message", func(t *testing.T) {
		_, err := l.Load(context.Background(), "/broken.js")
		require.Error(t, err)
		assert.False(t, kiterrors.IsNotFound(err))
		assert.Equal(t, "compile error at line 4", err.Error())

		var loadErr *kiterrors.LoadError
		require.True(t, errors.As(err, &loadErr))
		assert.Equal(t, http.StatusInternalServerError, loadErr.Status)
	})

	t.Run("empty error body falls back to status text", func(t *testing.T) {
		_, err := l.Load(context.Background(), "/empty-error.js")
		require.Error(t, err)
		assert.Equal(t, "Bad Gateway", err.Error())
	})

	t.Run("exports header wins over scanning", func(t *testing.T) {
		m, err := l.Load(context.Background(), "/declared.js")
		require.NoError(t, err)
		assert.Equal(t, []string{"default", "load"}, m.Exports)
	})
}

func TestHTTPLoaderTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTP(url, nil).Load(context.Background(), "/x.js")
	require.Error(t, err)
	assert.False(t, kiterrors.IsNotFound(err))
}

func TestScanExports(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{"none", "const a = 1;", []string{}},
		{"default", "export default function App() {}", []string{"default"}},
		{"declarations", "export const a = 1;\nexport let b;\nexport async function c() {}\nexport class D {}\nexport function* gen() {}", []string{"D", "a", "b", "c", "gen"}},
		{"list with rename", "export { x, y as default, z as zed };", []string{"default", "x", "zed"}},
		{"not at line start", "const s = 'export default';", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScanExports(tt.code))
		})
	}
}

func TestEmptyAndFunc(t *testing.T) {
	m := Empty("/_app/setup/index.js")
	assert.False(t, m.HasDefault())
	assert.NotNil(t, m.Exports)

	var nilModule *Module
	assert.False(t, nilModule.HasDefault())

	f := Func(func(ctx context.Context, path string) (*Module, error) {
		return &Module{Path: path, Exports: []string{"default"}}, nil
	})
	got, err := f.Load(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.True(t, got.HasDefault())
}
