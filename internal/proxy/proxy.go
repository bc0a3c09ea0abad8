// Package proxy wires every other component into the router's actual
// accept loop: ClientGreetor terminates the client handshake,
// LazyConnector resolves a backend (pooled or freshly dialed and taken
// through ServerGreetor), and once both legs are authenticated the
// connection settles into a command-aware relay that forwards ordinary
// traffic, intercepts COM_CHANGE_USER against the backend directly, and
// (on connection sharing routes) stashes the backend between commands so
// another session can borrow it. The backend connection outlives the
// client session whenever its end state allows, rejoining the pool
// instead of being closed. Adapted from the teacher's
// internal/proxy/{server,handler,mysql}.go, generalized from "relay the
// client's literal handshake bytes to one fixed backend per tenant" to
// "terminate each leg's handshake independently, curate its commands, and
// recycle the connection", which is what letting the router curate
// capabilities and share backends across sessions requires.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mysqlrouter/routerd/internal/classic/channel"
	"github.com/mysqlrouter/routerd/internal/classic/frame"
	"github.com/mysqlrouter/routerd/internal/classic/message"
	"github.com/mysqlrouter/routerd/internal/classicauth"
	"github.com/mysqlrouter/routerd/internal/classicerr"
	"github.com/mysqlrouter/routerd/internal/config"
	"github.com/mysqlrouter/routerd/internal/connector"
	"github.com/mysqlrouter/routerd/internal/handshake"
	"github.com/mysqlrouter/routerd/internal/health"
	"github.com/mysqlrouter/routerd/internal/metrics"
	"github.com/mysqlrouter/routerd/internal/pool"
	"github.com/mysqlrouter/routerd/internal/router"
)

// serverInTransaction is the SERVER_STATUS_IN_TRANS bit of an OK_Packet's
// status flags.
const serverInTransaction = 0x0001

// serverMoreResultsExists is SERVER_MORE_RESULTS_EXISTS, set on an
// OK_Packet that isn't the last one in a multi-statement/procedure reply.
const serverMoreResultsExists = 0x0008

// Server accepts client connections for every configured route and
// drives each one through the handshake/connect/relay pipeline.
type Server struct {
	router      *router.Router
	connector   *connector.Connector
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector

	mu        sync.Mutex
	listeners map[string]net.Listener

	nextConnID uint64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a proxy Server sharing r, a connection Manager, an
// optional health Checker, and an optional metrics Collector.
func NewServer(r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router:      r,
		connector:   connector.New(pm),
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		listeners:   make(map[string]net.Listener),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ListenRoute starts accepting connections for a single route, binding
// to its configured bind_address:bind_port or unix socket.
func (s *Server) ListenRoute(name string, rt config.RouteConfig) error {
	s.mu.Lock()
	_, already := s.listeners[name]
	s.mu.Unlock()
	if already {
		return nil
	}

	var ln net.Listener
	var err error
	if rt.Socket != "" {
		ln, err = net.Listen("unix", rt.Socket)
	} else {
		addr := fmt.Sprintf("%s:%d", rt.BindAddress, rt.BindPort)
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("proxy: listening for route %q: %w", name, err)
	}

	s.mu.Lock()
	s.listeners[name] = ln
	s.mu.Unlock()

	slog.Info("proxy: route listening", "route", name, "addr", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(name, ln)
	}()
	return nil
}

// StartPoolStatsLoop periodically publishes idle/stashed pool gauges for
// every route's destinations, mirroring the teacher's
// pm.StartStatsLoop-driven metrics pump in cmd/dbbouncer/main.go.
func (s *Server) StartPoolStatsLoop(interval time.Duration) {
	if s.metrics == nil || s.poolMgr == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reportPoolStats()
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Server) reportPoolStats() {
	for name, rt := range s.router.ListRoutes() {
		if rt.IsMetadataCache() {
			continue
		}
		for _, ep := range rt.Endpoints() {
			idle := s.poolMgr.IdleCount(pool.Endpoint(ep))
			stashed := s.poolMgr.StashCount(pool.Endpoint(ep))
			s.metrics.UpdatePoolStats(name, ep, idle, stashed)
		}
	}
}

func (s *Server) acceptLoop(name string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("proxy: accept error", "route", name, "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(name, conn)
		}()
	}
}

func (s *Server) handleConnection(routeName string, clientConn net.Conn) {
	defer clientConn.Close()

	rt, err := s.router.Resolve(routeName)
	if err != nil {
		slog.Warn("proxy: route disappeared mid-accept", "route", routeName, "err", err)
		return
	}

	if s.router.IsPaused(routeName) {
		slog.Info("proxy: rejecting connection, route paused", "route", routeName)
		return
	}
	if s.healthCheck != nil && !s.healthCheck.IsHealthy(routeName) {
		slog.Warn("proxy: rejecting connection, route unhealthy", "route", routeName)
		return
	}

	start := time.Now()
	connID := pool.ConnID(atomic.AddUint64(&s.nextConnID, 1))

	ch := channel.New(clientConn)
	clientSess, err := handshake.RunClient(ch, rt)
	if err != nil {
		slog.Info("proxy: client handshake failed", "route", routeName, "conn", connID, "err", err)
		if s.metrics != nil {
			s.metrics.AuthFailure(routeName, "client")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.HandshakeDuration(routeName, time.Since(start))
	}

	backend, err := s.connector.Connect(routeName, rt, clientSess.State, clientSess.UsedTLS)
	if err != nil {
		slog.Info("proxy: backend connect failed", "route", routeName, "conn", connID, "err", err)
		if s.metrics != nil {
			s.metrics.AuthFailure(routeName, "server")
		}
		sendClientError(clientSess, classicerr.ERAccessDeniedError, "unable to connect to backend")
		return
	}

	if backend.Proto.Username != clientSess.State.Username || backend.Proto.Schema != clientSess.State.Schema {
		// A reused (pooled or stashed) backend belongs to a different
		// identity than this session's: COM_CHANGE_USER it in place
		// instead of dialing a fresh connection (spec §4.H/§4.I).
		if err := s.reauthenticate(backend, clientSess.State); err != nil {
			slog.Info("proxy: reauthenticating reused backend failed", "route", routeName, "conn", connID, "err", err)
			if s.metrics != nil {
				s.metrics.AuthFailure(routeName, "server")
			}
			sendClientError(clientSess, classicerr.ERAccessDeniedError, "unable to authenticate reused backend connection")
			backend.Close(nil)
			return
		}
	}

	ok := message.OK{StatusFlags: backend.Proto.StatusFlags}
	if err := clientSess.Writer.WriteMessage(message.EncodeOK(ok, clientSess.State.SharedCapabilities)); err != nil {
		slog.Info("proxy: sending final OK to client failed", "route", routeName, "conn", connID, "err", err)
		backend.Close(nil)
		return
	}

	sessionStart := time.Now()
	clean := s.relaySession(s.ctx, rt, connID, clientSess, backend)
	if s.metrics != nil {
		s.metrics.SessionDuration(routeName, time.Since(sessionStart))
	}

	s.endSession(rt, connID, backend, clean)
}

// reauthenticate runs COM_CHANGE_USER against an already-connected backend
// to switch it to client's identity, requiring a captured plaintext
// password the same way handleChangeUser does mid-session.
func (s *Server) reauthenticate(backend *pool.PooledConnection, client *message.ProtocolState) error {
	if !client.Password.HavePlaintext {
		return fmt.Errorf("proxy: no plaintext password available to reauthenticate a reused connection")
	}
	bl := &backendLeg{r: frame.NewReader(backend.Channel), w: frame.NewWriter(backend.Channel)}
	if err := classicauth.ChangeUser(bl, backend.Proto.SharedCapabilities, client.Username, client.Schema,
		backend.Proto.AuthMethodName, backend.Proto.AuthMethodData, client.Password.Plaintext, client.Attrs); err != nil {
		return err
	}
	backend.Proto.Username = client.Username
	backend.Proto.Schema = client.Schema
	backend.Proto.ClearPreparedStatements()
	return nil
}

// endSession decides a backend connection's fate once a client session
// has finished: a connection sharing route reclaims it from the stash if
// it's still parked there, and anything left in a clean, transaction-free,
// prepared-statement-free state is returned to the idle pool instead of
// closed, per spec §4.I's pool/stash/close lifecycle. Anything else is
// closed gracefully.
func (s *Server) endSession(rt config.RouteConfig, connID pool.ConnID, backend *pool.PooledConnection, clean bool) {
	if rt.ConnectionSharing {
		if reclaimed, ok := s.poolMgr.UnstashMine(backend.Endpoint, connID); ok {
			backend = reclaimed
		}
	}
	if !clean || !eligibleForPool(backend.Proto) {
		backend.Close(nil)
		return
	}
	s.poolMgr.Add(backend)
}

// eligibleForPool reports whether a backend's protocol state is safe to
// hand to an unrelated future session: no open transaction and no
// prepared-statement handles the new owner wouldn't know about.
func eligibleForPool(ps *message.ProtocolState) bool {
	return ps.StatusFlags&serverInTransaction == 0 && len(ps.PreparedStatements) == 0
}

// relaySession drives one client session's command loop to completion,
// returning true if it ended via a client-issued COM_QUIT (a "clean" end
// eligible for pooling) and false otherwise (client disconnect, transport
// error). It intercepts COM_CHANGE_USER (spec §4.H) instead of forwarding
// it raw — the client scrambled its auth response against the router's
// own nonce, which means nothing to the backend — and, on a connection
// sharing route, stashes the backend between commands so another
// session's connect can steal it via pool.Manager.UnstashIf while this
// client is composing its next command.
func (s *Server) relaySession(ctx context.Context, rt config.RouteConfig, connID pool.ConnID, clientSess *handshake.ClientSession, backend *pool.PooledConnection) bool {
	cr := clientSess.Reader
	cw := clientSess.Writer
	br := frame.NewReader(backend.Channel)
	bw := frame.NewWriter(backend.Channel)
	bl := &backendLeg{r: br, w: bw}

	stashed := false
	for {
		if rt.ConnectionSharing && !stashed {
			s.poolMgr.Stash(backend, connID, rt.ConnectionSharingDelay)
			stashed = true
		}

		_, payload, err := cr.ReadMessage()

		if stashed {
			if reclaimed, ok := s.poolMgr.UnstashMine(backend.Endpoint, connID); ok {
				backend = reclaimed
			}
			stashed = false
		}

		if err != nil {
			return false
		}
		if len(payload) == 0 {
			continue
		}

		switch payload[0] {
		case message.ComQuit:
			return true

		case message.ComChangeUser:
			s.handleChangeUser(cw, bl, clientSess, backend, payload)

		default:
			if err := bw.WriteMessage(payload); err != nil {
				return false
			}
			if err := relayResponse(cw, br, backend.Proto); err != nil {
				return false
			}
		}

		if ctx.Err() != nil {
			return false
		}
	}
}

// handleChangeUser re-authenticates the pooled backend as a new
// username/schema via classicauth.ChangeUser, using the plaintext
// password captured during the client's own handshake (the only password
// this router ever knows) and the backend's already-negotiated auth
// method and nonce. On success it clears the backend's prepared-statement
// handles (spec §4.H) and updates both legs' identity bookkeeping.
func (s *Server) handleChangeUser(cw *frame.Writer, bl *backendLeg, clientSess *handshake.ClientSession, backend *pool.PooledConnection, payload []byte) {
	cu, err := message.DecodeChangeUser(payload, clientSess.State.ClientCapabilities)
	if err != nil {
		_ = cw.WriteMessage(classicerr.Encode(classicerr.CRUnknownError, classicerr.SQLStateGeneral, "malformed COM_CHANGE_USER"))
		return
	}
	if !clientSess.State.Password.HavePlaintext {
		_ = cw.WriteMessage(classicerr.Encode(classicerr.ERAccessDeniedError, classicerr.SQLStateAccessDenied, "no plaintext password available to change user"))
		return
	}

	err = classicauth.ChangeUser(bl, backend.Proto.SharedCapabilities, cu.Username, cu.Schema,
		backend.Proto.AuthMethodName, backend.Proto.AuthMethodData, clientSess.State.Password.Plaintext, cu.Attrs)
	if err != nil {
		_ = cw.WriteMessage(classicerr.Encode(classicerr.ERAccessDeniedError, classicerr.SQLStateAccessDenied, err.Error()))
		return
	}

	backend.Proto.Username = cu.Username
	backend.Proto.Schema = cu.Schema
	backend.Proto.ClearPreparedStatements()
	clientSess.State.Username = cu.Username
	clientSess.State.Schema = cu.Schema

	ok := message.OK{StatusFlags: backend.Proto.StatusFlags}
	_ = cw.WriteMessage(message.EncodeOK(ok, clientSess.State.SharedCapabilities))
}

// relayResponse forwards a backend response to the client one message at
// a time, reading until a terminal OK/ERR/EOF packet closes out the
// command (an OK whose SERVER_MORE_RESULTS_EXISTS flag says more are
// coming does not), updating proto's status flags from the final OK along
// the way.
func relayResponse(cw *frame.Writer, br *frame.Reader, proto *message.ProtocolState) error {
	for {
		_, payload, err := br.ReadMessage()
		if err != nil {
			return err
		}
		if err := cw.WriteMessage(payload); err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case message.HeaderErr:
			return nil
		case message.HeaderOK:
			ok, err := message.DecodeOK(payload, proto.SharedCapabilities)
			if err != nil {
				return nil
			}
			proto.StatusFlags = ok.StatusFlags
			if ok.StatusFlags&serverMoreResultsExists != 0 {
				continue
			}
			return nil
		case message.HeaderEOF:
			if len(payload) <= 9 {
				return nil
			}
		}
	}
}

// backendLeg adapts a backend connection's frame Reader/Writer to
// classicauth.ServerConn, so classicauth.ChangeUser can run its
// AuthSwitch/AuthMoreData exchange directly against it mid-session.
type backendLeg struct {
	r *frame.Reader
	w *frame.Writer
}

func (b *backendLeg) Send(payload []byte) error { return b.w.WriteMessage(payload) }

func (b *backendLeg) Recv() ([]byte, error) {
	_, payload, err := b.r.ReadMessage()
	return payload, err
}

func sendClientError(sess *handshake.ClientSession, code uint16, msg string) {
	_ = sess.Writer.WriteMessage(classicerr.Encode(code, classicerr.SQLStateAccessDenied, msg))
}

// Stop gracefully shuts down every listener and waits for in-flight
// connections to finish relaying.
func (s *Server) Stop() {
	s.cancel()

	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("proxy: server stopped")
}
