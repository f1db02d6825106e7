// File: server/server.go
// Package server embeds an HTTP(S) listener that also accepts
// WebSocket upgrades and multiplexes the resulting connections through
// a single internal poller.
// Author: momentics <momentics@gmail.com>
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hioload/wsreactor/conn"
	"github.com/hioload/wsreactor/internal/log"
	"github.com/hioload/wsreactor/poller"
	"github.com/hioload/wsreactor/protocol"
)

// Server is the embeddable facade: an HTTP(S) listener whose requests
// either reach RequestHandler unchanged or, when they satisfy the
// WebSocket upgrade preconditions and Handler.IsHandled, are promoted
// to a multiplexed WebSocket connection.
type Server struct {
	cfg            *Config
	requestHandler http.Handler
	handler        *conn.Handler
	log            *log.Logger

	httpServer *http.Server
	listenerMu sync.RWMutex
	listener   net.Listener

	mainPoller     poller.Poller // poll(2)-backed; plaintext connections
	fallbackPoller poller.Poller // goroutine-per-conn; TLS connections

	connsMu sync.Mutex
	conns   map[conn.ConnectionID]*conn.Connection

	stopping atomic.Bool
	wsLoopWG sync.WaitGroup
}

// New constructs a plaintext HTTP+WebSocket Server. requestHandler
// serves every request that is not a valid WebSocket upgrade; handler
// decides which paths accept upgrades and learns about new
// connections. handler may be nil, in which case no path ever accepts
// an upgrade and every request reaches requestHandler unchanged. A nil
// cfg uses DefaultConfig.
func New(cfg *Config, requestHandler http.Handler, handler *conn.Handler) (*Server, error) {
	return newServer(cfg, requestHandler, handler, nil)
}

// NewTLS constructs a TLS-terminated HTTP+WebSocket Server from PEM
// certificate and private key material. handler may be nil, as in New.
func NewTLS(cfg *Config, requestHandler http.Handler, handler *conn.Handler, certPEM, keyPEM []byte) (*Server, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid TLS certificate/key material: " + err.Error()}
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	return newServer(cfg, requestHandler, handler, tlsCfg)
}

func newServer(cfg *Config, requestHandler http.Handler, handler *conn.Handler, tlsCfg *tls.Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if requestHandler == nil {
		return nil, &ConfigurationError{Reason: "requestHandler must not be nil"}
	}

	s := &Server{
		cfg:            cfg,
		requestHandler: requestHandler,
		handler:        handler,
		log:            log.Default(),
		mainPoller:     poller.New(),
		fallbackPoller: poller.NewFallback(),
		conns:          make(map[conn.ConnectionID]*conn.Connection),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		TLSConfig:         tlsCfg,
	}
	return s, nil
}

// Serve starts the WS I/O goroutine and blocks serving HTTP(S) until
// Close is called, at which point it returns http.ErrServerClosed.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return &TransportError{Reason: "listen failed", Err: err}
	}
	s.listenerMu.Lock()
	s.listener = ln
	s.listenerMu.Unlock()

	s.wsLoopWG.Add(1)
	go s.wsIOLoop()

	if s.httpServer.TLSConfig != nil {
		return s.httpServer.ServeTLS(ln, "", "")
	}
	return s.httpServer.Serve(ln)
}

// Addr returns the server's bound listen address. Valid only once Serve
// has been called; chiefly useful in tests that bind to ":0" and need
// the OS-assigned port.
func (s *Server) Addr() net.Addr {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close runs the graceful teardown sequence: stop accepting new work,
// join the WS I/O goroutine, send Close 1001 "Going Away" to every
// remaining connection, then shut down the HTTP layer.
func (s *Server) Close() error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	s.wsLoopWG.Wait()

	s.connsMu.Lock()
	victims := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		victims = append(victims, c)
	}
	s.connsMu.Unlock()

	for _, c := range victims {
		c.Senders().SendClose(protocol.StatusGoingAway, "Going Away")
		c.ForceClose()
	}

	_ = s.mainPoller.Close()
	_ = s.fallbackPoller.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) wsIOLoop() {
	defer s.wsLoopWG.Done()
	pollMs := int(s.cfg.PollTimeout / time.Millisecond)
	if pollMs <= 0 {
		pollMs = 1
	}

	for !s.stopping.Load() {
		s.mainPoller.Poll(pollMs)
		s.sweepPendingCloses()
	}
}

func (s *Server) sweepPendingCloses() {
	now := time.Now()
	s.connsMu.Lock()
	candidates := make([]*conn.Connection, 0)
	for _, c := range s.conns {
		if c.AwaitingClose() {
			candidates = append(candidates, c)
		}
	}
	s.connsMu.Unlock()

	for _, c := range candidates {
		c.CheckCloseTimeout(now)
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		s.requestHandler.ServeHTTP(w, r)
		return
	}

	headers, ok := protocol.Negotiate(r, s.isHandled)
	if !ok {
		s.requestHandler.ServeHTTP(w, r)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "webserver doesn't support hijacking", http.StatusInternalServerError)
		return
	}
	netConn, rw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}

	if err := writeUpgradeResponse(rw.Writer, headers); err != nil {
		netConn.Close()
		return
	}

	var pending []byte
	if n := rw.Reader.Buffered(); n > 0 {
		pending = make([]byte, n)
		_, _ = io.ReadFull(rw.Reader, pending)
	}

	s.acceptUpgradedConnection(netConn, r.URL.Path, pending)
}

// isHandled reports whether url should be offered a WebSocket upgrade.
// A nil handler means the server was constructed with no WebSocket
// support at all, so nothing is ever upgraded.
func (s *Server) isHandled(url string) bool {
	if s.handler == nil {
		return false
	}
	return s.handler.IsHandled(url)
}

func writeUpgradeResponse(w *bufio.Writer, headers http.Header) error {
	if _, err := io.WriteString(w, "HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := headers.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) acceptUpgradedConnection(netConn net.Conn, path string, pending []byte) {
	id := conn.NextConnectionID()

	var sock conn.RawSocket
	var usePoller poller.Poller
	if raw, ok := newRawFdSocket(netConn); ok {
		sock = raw
		usePoller = s.mainPoller
	} else {
		sock = newBlockingSocket(netConn)
		usePoller = s.fallbackPoller
	}

	c := conn.NewConnection(id, path, sock, s.cfg.MaxSocketBytesToReceive, s.log, s.onConnectionDestroyed)

	s.connsMu.Lock()
	s.conns[id] = c
	s.connsMu.Unlock()

	var receivers *conn.Receivers
	if s.handler != nil {
		receivers = s.handler.ConnectionEstablished(c)
	}
	c.BindReceivers(receivers)

	if !c.Prime(pending) {
		return // Prime already tore the connection down on a protocol error.
	}

	usePoller.Add(sock.Fd(), func(uintptr) bool { return c.OnReadable() })
}

func (s *Server) onConnectionDestroyed(c *conn.Connection) {
	s.connsMu.Lock()
	delete(s.conns, c.ID())
	s.connsMu.Unlock()

	s.mainPoller.Remove(c.Fd())
	s.fallbackPoller.Remove(c.Fd())
}
