package bundler

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

// maxBodySize caps the request body buffered for the bundler.
const maxBodySize = 32 << 20

// HandleRequest implements Service. WebSocket upgrades are bridged; every
// other request is reverse proxied.
func (s *DevService) HandleRequest(w http.ResponseWriter, r *http.Request, opts HandleOptions) error {
	if IsWebSocketUpgrade(r) {
		return s.bridge(w, r, opts)
	}

	body, err := bufferBody(w, r, s.maxBody)
	if err != nil {
		return err
	}

	var proxyErr error
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.base)
			pr.SetXForwarded()
			if len(body) > 0 {
				pr.Out.Body = io.NopCloser(bytes.NewReader(body))
			}
		},
		Transport: s.transport,
		ModifyResponse: func(resp *http.Response) error {
			if opts.SuppressErrorResponse && resp.StatusCode == http.StatusNotFound {
				return kiterrors.NotFound(r.URL.Path)
			}
			return nil
		},
		// Errors are returned to the caller, which decides what the client sees.
		ErrorHandler: func(_ http.ResponseWriter, _ *http.Request, err error) {
			proxyErr = err
		},
	}
	proxy.ServeHTTP(w, r)

	if proxyErr != nil && !kiterrors.IsNotFound(proxyErr) {
		return kiterrors.NewNetworkError(kiterrors.ErrCodeInternalError, "bundler request "+r.URL.Path+" failed", proxyErr)
	}
	return proxyErr
}

// bufferBody reads the request body into memory and puts a fresh reader
// back, so the request can still be rendered when the bundler passes on it.
// Bodies over limit fail with an error wrapping *http.MaxBytesError.
func bufferBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	reader := http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, kiterrors.NewIOError(kiterrors.ErrCodeInternalError, "reading request body", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
