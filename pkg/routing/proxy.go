package routing

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// dialer is used to connect to backend gpt_node processes for WebSocket
// upgrades. Backends are always loopback, so the default handshake
// timeout is generous.
var dialer = websocket.DefaultDialer

// NewProxyHandler builds the host's reverse-proxy fallback handler: it
// resolves the inbound Host header against table and forwards the
// request to the matching local gpt_node process, bridging WebSocket
// upgrades bidirectionally.
func NewProxyHandler(table *Table, log zerolog.Logger) http.Handler {
	router := mux.NewRouter()
	h := &proxyHandler{table: table, log: log}
	router.PathPrefix("/").HandlerFunc(h.ServeHTTP)
	return router
}

type proxyHandler struct {
	table *Table
	log   zerolog.Logger
}

func (h *proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := StripPort(r.Host)
	if host == "" {
		http.Error(w, "missing Host header", http.StatusBadRequest)
		return
	}

	port, ok := h.table.Lookup(host)
	if !ok {
		// Routing lookup miss is a 404, not an error of the proxy.
		h.log.Debug().Str("host", host).Msg("no route found")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if isWebSocketUpgrade(r) {
		h.proxyWebSocket(w, r, port)
		return
	}
	h.proxyHTTP(w, r, port)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// proxyHTTP forwards a standard HTTP/1.1 request to the backend via
// net/http/httputil.ReverseProxy.
func (h *proxyHandler) proxyHTTP(w http.ResponseWriter, r *http.Request, port uint16) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Error().Err(err).Str("backend", target.Host).Msg("proxy request failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	proxy.ServeHTTP(w, r)
}

// proxyWebSocket bridges a client WebSocket upgrade to the backend node:
// dial the backend, replay the handshake headers, upgrade the client
// connection once the backend accepts, then copy messages
// bidirectionally until either side closes.
func (h *proxyHandler) proxyWebSocket(w http.ResponseWriter, r *http.Request, port uint16) {
	backendURL := fmt.Sprintf("ws://127.0.0.1:%d%s", port, r.URL.RequestURI())

	header := make(http.Header)
	for _, key := range []string{"Sec-WebSocket-Protocol", "Origin"} {
		if v := r.Header.Get(key); v != "" {
			header.Set(key, v)
		}
	}

	backendConn, backendResp, err := dialer.Dial(backendURL, header)
	if err != nil {
		status := http.StatusBadGateway
		if backendResp != nil {
			status = backendResp.StatusCode
		}
		h.log.Error().Err(err).Str("backend", backendURL).Msg("backend refused websocket upgrade")
		http.Error(w, "bad gateway", status)
		return
	}
	defer backendConn.Close()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("client websocket upgrade failed")
		return
	}
	defer clientConn.Close()

	errc := make(chan error, 2)
	go pumpMessages(clientConn, backendConn, errc)
	go pumpMessages(backendConn, clientConn, errc)
	<-errc
}

func pumpMessages(src, dst *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}
