// Package appgen writes the application glue the bundler compiles: the
// client-side route manifest, the root component nesting layouts, and the
// client entry module.
package appgen

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/manifest"
)

// Generated file names inside the output directory.
const (
	ManifestFile = "manifest.js"
	RootFile     = "root.svelte"
	ClientFile   = "client.js"
)

// Options configures Generate.
type Options struct {
	Manifest         *manifest.Manifest
	RoutesImportPath string
	OutputDir        string
	// AssetsImportPath is where the fallback layout and error components are
	// served from.
	AssetsImportPath string
	Dev              bool
}

// Result lists the files Generate rewrote.
type Result struct {
	Written []string
}

// Generate writes the generated application into OutputDir. Files whose
// content is unchanged are left alone so the bundler does not recompile them.
func Generate(opts Options) (*Result, error) {
	if opts.Manifest == nil {
		return nil, kiterrors.NewInternalError(kiterrors.ErrCodeGenerate, "no manifest to generate from", nil)
	}
	if opts.AssetsImportPath == "" {
		opts.AssetsImportPath = "/_app/assets"
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeGenerate, "creating "+opts.OutputDir, err)
	}

	data := newAppData(opts)

	files := []struct {
		name string
		tmpl *template.Template
	}{
		{ManifestFile, manifestTemplate},
		{RootFile, rootTemplate},
		{ClientFile, clientTemplate},
	}

	result := &Result{}
	for _, f := range files {
		var buf bytes.Buffer
		if err := f.tmpl.Execute(&buf, data); err != nil {
			return nil, kiterrors.NewInternalError(kiterrors.ErrCodeGenerate, "rendering "+f.name, err)
		}

		target := filepath.Join(opts.OutputDir, f.name)
		written, err := writeIfChanged(target, buf.Bytes())
		if err != nil {
			return nil, kiterrors.NewIOError(kiterrors.ErrCodeGenerate, "writing "+target, err)
		}
		if written {
			result.Written = append(result.Written, target)
		}
	}

	return result, nil
}

func writeIfChanged(path string, content []byte) (bool, error) {
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return false, err
	}
	return true, nil
}

type componentData struct {
	Ident string
	URL   string
	File  string
}

type routeData struct {
	File    string
	Pattern string
	Parts   []string
	Params  []string
}

type appData struct {
	Dev        bool
	HasLayout  bool
	Layout     componentData
	Error      componentData
	Components []componentData
	Pages      []routeData
	Endpoints  []string
	Levels     []int
}

func newAppData(opts Options) appData {
	m := opts.Manifest
	idents := newIdentifiers()

	data := appData{Dev: opts.Dev, HasLayout: m.Layout != nil}

	if m.Layout != nil {
		data.Layout = componentData{Ident: "layout", URL: m.Layout.URL, File: m.Layout.File}
	} else {
		data.Layout = componentData{Ident: "layout", URL: path.Join(opts.AssetsImportPath, "components", "layout.svelte")}
	}
	if m.Error != nil {
		data.Error = componentData{Ident: "ErrorComponent", URL: m.Error.URL, File: m.Error.File}
	} else {
		data.Error = componentData{Ident: "ErrorComponent", URL: path.Join(opts.AssetsImportPath, "components", "error.svelte")}
	}

	byFile := map[string]string{}
	for _, c := range m.Components {
		if m.Layout != nil && c.File == m.Layout.File {
			continue
		}
		if m.Error != nil && c.File == m.Error.File {
			continue
		}
		ident := idents.next(c.File)
		byFile[c.File] = ident
		data.Components = append(data.Components, componentData{Ident: ident, URL: c.URL, File: c.File})
	}

	depth := 1
	for _, p := range m.Pages {
		parts := make([]string, 0, len(p.Parts))
		for _, c := range p.Parts {
			if m.Layout != nil && c.File == m.Layout.File {
				continue
			}
			parts = append(parts, byFile[c.File])
		}
		if len(parts)+1 > depth {
			depth = len(parts) + 1
		}
		data.Pages = append(data.Pages, routeData{
			File:    p.Component().File,
			Pattern: jsPattern(p.Pattern),
			Parts:   parts,
			Params:  p.Params,
		})
	}

	for _, e := range m.Endpoints {
		data.Endpoints = append(data.Endpoints, jsPattern(e.Pattern))
	}

	for i := 1; i < depth; i++ {
		data.Levels = append(data.Levels, i)
	}

	return data
}

// jsPattern turns a route pattern into a JavaScript regular expression
// literal.
func jsPattern(pattern string) string {
	return "/" + strings.ReplaceAll(pattern, "/", `\/`) + "/"
}

var wordPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

type identifiers struct {
	caser cases.Caser
	used  map[string]int
}

func newIdentifiers() *identifiers {
	return &identifiers{
		caser: cases.Title(language.English),
		used:  map[string]int{},
	}
}

// next derives a unique PascalCase identifier from a component file name,
// e.g. blog/[slug].svelte becomes BlogSlug.
func (ids *identifiers) next(file string) string {
	base := strings.TrimSuffix(file, path.Ext(file))

	var sb strings.Builder
	for _, word := range wordPattern.FindAllString(base, -1) {
		sb.WriteString(ids.caser.String(word))
	}
	ident := sb.String()
	if ident == "" || (ident[0] >= '0' && ident[0] <= '9') {
		ident = "Component" + ident
	}

	ids.used[ident]++
	if n := ids.used[ident]; n > 1 {
		ident += strconv.Itoa(n)
	}
	return ident
}

var funcs = template.FuncMap{
	"quote": strconv.Quote,
	"join":  strings.Join,
	"params": func(params []string) string {
		pairs := make([]string, len(params))
		for i, p := range params {
			pairs[i] = fmt.Sprintf("%s: d(m[%d])", strconv.Quote(p), i+1)
		}
		return strings.Join(pairs, ", ")
	},
}

var manifestTemplate = template.Must(template.New(ManifestFile).Funcs(funcs).Parse(`// generated by kitdev, do not edit
import * as layout from {{quote .Layout.URL}};

export { layout };

{{range .Components -}}
const {{.Ident}} = () => import({{quote .URL}});
{{end}}
export const components = [{{range $i, $c := .Components}}{{if $i}}, {{end}}{{$c.Ident}}{{end}}];

const d = decodeURIComponent;
const empty = () => ({});

export const routes = [
{{- range .Pages}}
	// {{.File}}
	{ pattern: {{.Pattern}}, parts: [{{join .Parts ", "}}], params: {{if .Params}}(m) => ({ {{params .Params}} }){{else}}empty{{end}} },
{{- end}}
];

export const ignore = [{{join .Endpoints ", "}}];

export const dev = {{.Dev}};
`))

var rootTemplate = template.Must(template.New(RootFile).Funcs(funcs).Parse(`<!-- generated by kitdev, do not edit -->
<script>
	import { setContext, afterUpdate } from 'svelte';
	import {{.Error.Ident}} from {{quote .Error.URL}};

	export let stores;
	export let error;
	export let status;
	export let level0;
{{- range .Levels}}
	export let level{{.}} = null;
{{- end}}

	setContext('__svelte__', stores);

	afterUpdate(stores.page.notify);
</script>

<svelte:component this={level0.component} {...level0.props}>
	{#if error}
		<{{.Error.Ident}} {status} {error}/>
	{:else}
{{- range .Levels}}
		{#if level{{.}}}
		<svelte:component this={level{{.}}.component} {...level{{.}}.props}>
{{- end}}
{{- range .Levels}}
		</svelte:component>
		{/if}
{{- end}}
	{/if}
</svelte:component>
`))

var clientTemplate = template.Must(template.New(ClientFile).Funcs(funcs).Parse(`// generated by kitdev, do not edit
import Root from './root.svelte';
import { layout } from './manifest.js';
import { writable } from 'svelte/store';

const hasLayout = {{.HasLayout}};

export async function start({ target, route, params, components }) {
	const modules = await Promise.all(components.map((url) => import(url)));
	const levels = hasLayout ? modules : [layout, ...modules];

	const page = writable({ path: route, params });
	page.notify = () => {};

	const props = { stores: { page }, status: 200, error: null };
	levels.forEach((m, i) => {
		props['level' + i] = { component: m.default, props: { params } };
	});

	return new Root({ target, props, hydrate: true });
}
`))
