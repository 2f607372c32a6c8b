package appgen

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kitdev/internal/manifest"
)

func buildManifest(t *testing.T, files ...string) *manifest.Manifest {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(f), 0644))
	}
	m, err := manifest.NewBuilder("/_app/routes", nil, "_").Build(root)
	require.NoError(t, err)
	return m
}

func readOutput(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestGenerate(t *testing.T) {
	m := buildManifest(t, "index.svelte", "about.svelte", "blog/[slug].svelte", "blog/$layout.svelte", "api/data.json.js")
	out := filepath.Join(t.TempDir(), "main")

	result, err := Generate(Options{Manifest: m, RoutesImportPath: "/_app/routes", OutputDir: out, Dev: true})
	require.NoError(t, err)
	assert.Len(t, result.Written, 3)

	manifestJS := readOutput(t, out, ManifestFile)
	assert.Contains(t, manifestJS, `import * as layout from "/_app/assets/components/layout.svelte";`)
	assert.Contains(t, manifestJS, `const Index = () => import("/_app/routes/index.svelte");`)
	assert.Contains(t, manifestJS, `const BlogSlug = () => import("/_app/routes/blog/[slug].svelte");`)
	assert.Contains(t, manifestJS, `const BlogLayout = () => import("/_app/routes/blog/$layout.svelte");`)
	assert.Contains(t, manifestJS, `{ pattern: /^\/about\/?$/, parts: [About], params: empty }`)
	assert.Contains(t, manifestJS, `parts: [BlogLayout, BlogSlug], params: (m) => ({ "slug": d(m[1]) })`)
	assert.Contains(t, manifestJS, `export const ignore = [/^\/api\/data\.json\/?$/];`)
	assert.Contains(t, manifestJS, "export const dev = true;")

	root := readOutput(t, out, RootFile)
	assert.Contains(t, root, `import ErrorComponent from "/_app/assets/components/error.svelte";`)
	assert.Contains(t, root, "export let level2 = null;")
	assert.NotContains(t, root, "level3")

	client := readOutput(t, out, ClientFile)
	assert.Contains(t, client, "const hasLayout = false;")
}

func TestGenerateWithSpecialComponents(t *testing.T) {
	m := buildManifest(t, "index.svelte", "$layout.svelte", "$error.svelte")
	out := t.TempDir()

	_, err := Generate(Options{Manifest: m, RoutesImportPath: "/_app/routes", OutputDir: out})
	require.NoError(t, err)

	manifestJS := readOutput(t, out, ManifestFile)
	assert.Contains(t, manifestJS, `import * as layout from "/_app/routes/$layout.svelte";`)
	assert.Contains(t, manifestJS, "export const components = [Index];")
	assert.Contains(t, manifestJS, "parts: [Index]")
	assert.NotContains(t, manifestJS, "const Layout")

	root := readOutput(t, out, RootFile)
	assert.Contains(t, root, `import ErrorComponent from "/_app/routes/$error.svelte";`)
	assert.Contains(t, readOutput(t, out, ClientFile), "const hasLayout = true;")
}

func TestGenerateWritesOnlyOnChange(t *testing.T) {
	out := t.TempDir()
	m := buildManifest(t, "index.svelte")

	_, err := Generate(Options{Manifest: m, OutputDir: out})
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	for _, name := range []string{ManifestFile, RootFile, ClientFile} {
		require.NoError(t, os.Chtimes(filepath.Join(out, name), past, past))
	}

	result, err := Generate(Options{Manifest: m, OutputDir: out})
	require.NoError(t, err)
	assert.Empty(t, result.Written)

	info, err := os.Stat(filepath.Join(out, ManifestFile))
	require.NoError(t, err)
	assert.WithinDuration(t, past, info.ModTime(), time.Second)

	result, err = Generate(Options{Manifest: buildManifest(t, "index.svelte", "about.svelte"), OutputDir: out})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(out, ManifestFile)}, result.Written)
}

func TestGenerateRequiresManifest(t *testing.T) {
	_, err := Generate(Options{OutputDir: t.TempDir()})
	assert.Error(t, err)
}

func TestIdentifiers(t *testing.T) {
	ids := newIdentifiers()
	assert.Equal(t, "Index", ids.next("index.svelte"))
	assert.Equal(t, "BlogSlug", ids.next("blog/[slug].svelte"))
	assert.Equal(t, "FilesPath", ids.next("files/[...path].svelte"))
	assert.Equal(t, "Component404", ids.next("404.svelte"))
	assert.Equal(t, "BlogSlug2", ids.next("blog-slug.svelte"))
}

func TestJSPattern(t *testing.T) {
	assert.Equal(t, `/^\/$/`, jsPattern(`^/$`))
	assert.Equal(t, `/^\/blog\/([^\/]+?)\/?$/`, jsPattern(`^/blog/([^/]+?)/?$`))
}
