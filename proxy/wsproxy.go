package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuzic/ttyd-mux/procrunner"
)

// inputCommandByte and outputCommandByte are the wire-framing
// discriminators described in §6 ("Wire framing for WebSocket proxy
// read-only filtering"): the first byte of every binary frame.
const (
	inputCommandByte  byte = 0x30
	outputCommandByte byte = 0x31
)

// OutputObserver receives complete lines parsed from upstream->client
// output frames (§4.H "Output observation", SPEC_FULL supplemented
// feature 3). No concrete implementation ships; notification delivery
// is out of scope (§1).
type OutputObserver interface {
	HandleLine(sessionName string, line string)
}

// lineBufferCap bounds the output buffer that each proxied connection
// keeps (§4.H: "capped at a fixed size, last N bytes kept on overflow").
const lineBufferCap = 64 * 1024

// lineBuffer accumulates output bytes, splitting on line breaks and
// keeping the trailing partial line, without ever altering the data
// forwarded to the client.
type lineBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lineBuffer) feed(data []byte, emit func(line string)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, data...)
	for {
		idx := indexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(b.buf[:idx])
		b.buf = b.buf[idx+1:]
		emit(line)
	}
	if len(b.buf) > lineBufferCap {
		b.buf = b.buf[len(b.buf)-lineBufferCap:]
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// WSProxy implements §4.H: upgrade the client socket, dial the child's
// WebSocket, relay frames, optionally suppressing input frames for
// read-only connections. Grounded directly on the teacher's
// terminal.ServeWebSocket / server.handleTerminal.
type WSProxy struct {
	Logger   *slog.Logger
	upgrader websocket.Upgrader
	dialer   websocket.Dialer
}

func NewWSProxy(logger *slog.Logger) *WSProxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSProxy{
		Logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: procrunner.DialTimeout,
		},
	}
}

// ServeHTTP dials the upstream child at 127.0.0.1:port using the
// original request's URL path, and only after the upstream reports
// open does it complete the client's HTTP upgrade (§4.H step 3).
func (p *WSProxy) ServeHTTP(w http.ResponseWriter, r *http.Request, port int, sessionName string, readOnly bool, observer OutputObserver) {
	upstreamURL := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", port), Path: r.URL.Path, RawQuery: r.URL.RawQuery}

	reqHeader := http.Header{}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		reqHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	upstreamConn, upstreamResp, err := p.dialer.DialContext(r.Context(), upstreamURL.String(), reqHeader)
	if err != nil {
		p.Logger.Warn("ws proxy: upstream dial failed", "session", sessionName, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if upstreamResp != nil && upstreamResp.Body != nil {
		upstreamResp.Body.Close()
	}

	var respHeader http.Header
	if proto := upstreamConn.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}

	clientConn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		p.Logger.Warn("ws proxy: client upgrade failed", "session", sessionName, "error", err)
		upstreamConn.Close()
		return
	}

	connID := uuid.NewString()
	p.Logger.Debug("ws proxy: connected", "session", sessionName, "conn", connID, "read_only", readOnly)

	relay(clientConn, upstreamConn, sessionName, connID, readOnly, observer, p.Logger)
}

// relay bridges two WebSocket connections bidirectionally until either
// side closes, then performs a single cleanup that forwards the
// observed close code/reason to the other side (§4.H "Lifecycle").
func relay(client, upstream *websocket.Conn, sessionName, connID string, readOnly bool, observer OutputObserver, logger *slog.Logger) {
	var closeOnce sync.Once
	done := make(chan struct{})

	cleanup := func(code int, reason string) {
		closeOnce.Do(func() {
			closeMsg := websocket.FormatCloseMessage(code, reason)
			deadline := time.Now().Add(writeControlTimeout)
			client.WriteControl(websocket.CloseMessage, closeMsg, deadline)
			upstream.WriteControl(websocket.CloseMessage, closeMsg, deadline)
			client.Close()
			upstream.Close()
			close(done)
		})
	}

	var buf *lineBuffer
	if observer != nil {
		buf = &lineBuffer{}
	}

	go func() {
		for {
			msgType, data, err := client.ReadMessage()
			if err != nil {
				cleanup(closeCodeFrom(err))
				return
			}
			if readOnly && msgType == websocket.BinaryMessage && len(data) > 0 && data[0] == inputCommandByte {
				continue // §4.H: suppress input frames on read-only connections
			}
			if err := upstream.WriteMessage(msgType, data); err != nil {
				cleanup(closeCodeFrom(err))
				return
			}
		}
	}()

	go func() {
		for {
			msgType, data, err := upstream.ReadMessage()
			if err != nil {
				cleanup(closeCodeFrom(err))
				return
			}
			if buf != nil && msgType == websocket.BinaryMessage && len(data) > 1 && data[0] == outputCommandByte {
				buf.feed(data[1:], func(line string) { observer.HandleLine(sessionName, line) })
			}
			if err := client.WriteMessage(msgType, data); err != nil {
				cleanup(closeCodeFrom(err))
				return
			}
		}
	}()

	<-done
	logger.Debug("ws proxy: disconnected", "session", sessionName, "conn", connID)
}

func closeCodeFrom(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}

// writeControlTimeout bounds how long a close control frame write may
// block during cleanup.
const writeControlTimeout = 2 * time.Second
