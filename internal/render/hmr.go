package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/a-h/templ"
	"golang.org/x/net/html"
)

// HMRScripts renders the tags that point the browser's hot-reload client at
// the bundler.
func HMRScripts(host string, port int, clientPaths []string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		wsURL, err := json.Marshal("ws://" + net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "<script>window.HMR_WEBSOCKET_URL = %s;</script>", wsURL); err != nil {
			return err
		}
		for _, src := range clientPaths {
			if _, err := fmt.Fprintf(w, `<script type="module" src="%s"></script>`, templ.EscapeString(src)); err != nil {
				return err
			}
		}
		return nil
	})
}

// InjectHMR inserts the hot-reload bootstrap just before the template's
// closing head tag, or at the very start when there is none.
func InjectHMR(ctx context.Context, template, host string, port int, clientPaths []string) (string, error) {
	var tags bytes.Buffer
	if err := HMRScripts(host, port, clientPaths).Render(ctx, &tags); err != nil {
		return "", fmt.Errorf("rendering hmr scripts: %w", err)
	}

	at := closingHeadOffset(template)
	if at < 0 {
		return tags.String() + template, nil
	}

	var sb strings.Builder
	sb.Grow(len(template) + tags.Len())
	sb.WriteString(template[:at])
	sb.Write(tags.Bytes())
	sb.WriteString(template[at:])
	return sb.String(), nil
}

// closingHeadOffset returns the byte offset of the first </head> tag. Text
// inside scripts and comments is skipped by the tokenizer.
func closingHeadOffset(template string) int {
	z := html.NewTokenizer(strings.NewReader(template))
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return -1
		}
		raw := len(z.Raw())
		if tt == html.EndTagToken {
			if name, _ := z.TagName(); string(name) == "head" {
				return offset
			}
		}
		offset += raw
	}
}
