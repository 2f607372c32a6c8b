package bundler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

// Maximum message size relayed in either direction.
const maxMessageSize = 16 << 20

// IsWebSocketUpgrade reports whether r asks to switch to the WebSocket
// protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// bridge relays a browser's hot-reload socket to the bundler. The upstream
// connection is dialled first so a dead bundler can still be reported as an
// HTTP error, and a suppressed 404 handshake as not found.
func (s *DevService) bridge(w http.ResponseWriter, r *http.Request, opts HandleOptions) error {
	ctx := r.Context()
	target := "ws://" + s.base.Host + r.URL.RequestURI()
	if s.base.Scheme == "https" {
		target = "wss://" + s.base.Host + r.URL.RequestURI()
	}

	upstream, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: s.transport},
		Subprotocols: subprotocols(r),
	})
	if err != nil {
		if opts.SuppressErrorResponse && resp != nil && resp.StatusCode == http.StatusNotFound {
			return kiterrors.NotFound(r.URL.Path)
		}
		return kiterrors.NewNetworkError(kiterrors.ErrCodeInternalError, "dialling bundler socket "+target, err)
	}
	upstream.SetReadLimit(maxMessageSize)

	var accepted []string
	if p := upstream.Subprotocol(); p != "" {
		accepted = []string{p}
	}
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   accepted,
		OriginPatterns: s.origins,
	})
	if err != nil {
		// Accept has already written the failure response.
		upstream.Close(websocket.StatusInternalError, "client upgrade failed")
		s.logger.Warn(ctx, err, "WebSocket upgrade error")
		return nil
	}
	client.SetReadLimit(maxMessageSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay(gctx, client, upstream) })
	g.Go(func() error { return relay(gctx, upstream, client) })
	err = g.Wait()

	status := websocket.CloseStatus(err)
	closing := status
	if closing != websocket.StatusNormalClosure {
		closing = websocket.StatusGoingAway
	}
	client.Close(closing, "")
	upstream.Close(closing, "")

	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
		s.logger.Debug(ctx, "WebSocket bridge closed", "error", err)
	}
	return nil
}

func relay(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

func subprotocols(r *http.Request) []string {
	var protocols []string
	for _, value := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, t := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
