// Package proxy implements the HTTP reverse proxy (§4.G) and
// WebSocket proxy (§4.H). The WebSocket side is grounded directly on
// the teacher's terminal.ServeWebSocket / server.handleTerminal
// (gorilla/websocket Upgrader, bidirectional frame relay), generalized
// from "relay PTY bytes to one local process" to "dial an upstream
// child WebSocket and relay frames between two *websocket.Conn's" plus
// the read-only first-byte filter. The HTTP side has no teacher
// equivalent and is grounded on net/http-idiomatic reverse proxying
// plus SnellerInc-sneller/elasticproxy's gzip-re-encoding pattern for
// a rewritten body.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/cuzic/ttyd-mux/procrunner"
)

// hopByHopHeaders are stripped before forwarding in either direction
// (§4.G "Preserve ... headers (with hop-by-hop headers stripped)").
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

const injectedScriptName = "toolbar.js"

// HTTPProxy forwards plain HTTP requests to a resolved session's
// loopback port, rewriting HTML bodies to inject the toolbar assets.
type HTTPProxy struct {
	BasePath string
	Logger   *slog.Logger

	client *http.Client
}

func NewHTTPProxy(basePath string, logger *slog.Logger) *HTTPProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProxy{
		BasePath: basePath,
		Logger:   logger,
		client: &http.Client{
			Timeout: 0, // streaming responses (e.g. long-poll) must not be cut off
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: procrunner.DialTimeout}).DialContext,
			},
		},
	}
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// ServeHTTP forwards r to 127.0.0.1:port, rewriting the body if the
// upstream response is HTML.
func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request, port int) {
	upstreamURL := fmt.Sprintf("http://127.0.0.1:%d%s", port, r.URL.RequestURI())

	clientAcceptEncoding := r.Header.Get("Accept-Encoding")

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		p.writeUpstreamError(w, false, err)
		return
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	// Buffering plan (§4.G): always ask the upstream for an
	// uncompressed body so HTML rewriting can operate on raw bytes;
	// the client's real preference is re-applied on the way out.
	outReq.Header.Set("Accept-Encoding", "identity")

	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			outReq.Header.Set("X-Forwarded-For", host)
		}
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.writeUpstreamError(w, false, err)
		return
	}
	defer resp.Body.Close()

	if isHTML(resp.Header.Get("Content-Type")) {
		p.serveRewrittenHTML(w, resp, clientAcceptEncoding)
		return
	}

	// Non-HTML: stream through unmodified (§9 "streaming codepaths must
	// not buffer").
	stripHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.Logger.Warn("proxy: stream copy failed", "error", err)
	}
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// serveRewrittenHTML buffers the full body (bounded — portal and
// terminal-server pages are small, §9), injects the toolbar assets
// before </body>, and re-encodes with gzip if the client advertised
// it.
func (p *HTTPProxy) serveRewrittenHTML(w http.ResponseWriter, resp *http.Response, clientAcceptEncoding string) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		p.writeUpstreamError(w, false, err)
		return
	}

	rewritten := injectToolbar(body, p.BasePath)

	stripHopByHop(resp.Header)
	header := w.Header()
	copyHeader(header, resp.Header)
	header.Del("Content-Length")
	header.Del("Content-Encoding")

	if strings.Contains(clientAcceptEncoding, "gzip") {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(rewritten); err != nil {
			p.writeUpstreamError(w, false, err)
			return
		}
		if err := gz.Close(); err != nil {
			p.writeUpstreamError(w, false, err)
			return
		}
		header.Set("Content-Encoding", "gzip")
		header.Set("Content-Length", fmt.Sprintf("%d", buf.Len()))
		w.WriteHeader(resp.StatusCode)
		w.Write(buf.Bytes())
		return
	}

	header.Set("Content-Length", fmt.Sprintf("%d", len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	w.Write(rewritten)
}

// injectToolbar inserts the toolbar <style>, DOM subtree, JSON config
// <script>, and static <script src> before the closing </body> tag
// (§4.G). The toolbar's actual browser-side behavior is out of scope
// (§1); only the injection point and a stub config are real.
func injectToolbar(body []byte, basePath string) []byte {
	snippet := []byte(fmt.Sprintf(`<style>.ttydmux-toolbar{all:initial}</style>
<div id="ttydmux-toolbar" class="ttydmux-toolbar"></div>
<script>window.__TTYD_MUX__=%s;</script>
<script src="%s/%s"></script>
</body>`, toolbarConfigJSON(basePath), basePath, injectedScriptName))

	lower := bytes.ToLower(body)
	idx := bytes.LastIndex(lower, []byte("</body>"))
	if idx < 0 {
		return append(body, snippet...)
	}
	out := make([]byte, 0, len(body)+len(snippet))
	out = append(out, body[:idx]...)
	out = append(out, snippet...)
	out = append(out, body[idx+len("</body>"):]...)
	return out
}

func toolbarConfigJSON(basePath string) string {
	return fmt.Sprintf(`{"basePath":%q}`, basePath)
}

// writeUpstreamError implements §4.G's on-error contract: 502 with a
// terse plain-text body, unless headers were already sent, in which
// case the response is aborted silently.
func (p *HTTPProxy) writeUpstreamError(w http.ResponseWriter, headersSent bool, err error) {
	p.Logger.Warn("proxy: upstream error", "error", err)
	if headersSent {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintln(w, "bad gateway")
}
