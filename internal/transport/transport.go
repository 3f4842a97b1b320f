// Package transport is the framed RPC surface spec.md §6 describes,
// taken as an external collaborator of the core but implemented here
// so the whole system runs: Publish and ListTopics as plain JSON HTTP
// endpoints, Subscribe as a WebSocket stream carrying one JSON frame per
// text message. Grounded directly on the teacher's server.go:
// ws.UpgradeHTTP for the handshake and the same
// admission-control-then-upgrade ordering in handleWebSocket; unlike the
// teacher's readPump/writePump pair, each connection's reads and writes
// are direct blocking calls driven by the subscription session (see
// wsConn).
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/heisenbergs-uncertainty/sluice/internal/brokererr"
	"github.com/heisenbergs-uncertainty/sluice/internal/broker"
	"github.com/heisenbergs-uncertainty/sluice/internal/metrics"
	"github.com/heisenbergs-uncertainty/sluice/internal/resourceguard"
	"github.com/heisenbergs-uncertainty/sluice/internal/subscription"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// TLSConfig carries the optional cert/key/client-CA options spec.md §6
// names. Cert and Key empty means plaintext; enforcement of client
// certs is out of scope (authn/z is a spec.md §1 Non-goal) — ClientCA,
// when set, is only used to populate tls.Config.ClientCAs with
// VerifyClientCertIfGiven, not to require a client cert.
type TLSConfig struct {
	Cert     string
	Key      string
	ClientCA string
}

func (t TLSConfig) enabled() bool { return t.Cert != "" && t.Key != "" }

// Server exposes Sluice's core over HTTP + WebSocket.
type Server struct {
	addr   string
	tlsCfg TLSConfig
	broker *broker.Broker
	guard  *resourceguard.Guard
	logger zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	sessionCtx    context.Context
	cancelSessions context.CancelFunc

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

// New constructs a transport Server bound to addr. Call Serve to
// start accepting connections.
func New(addr string, tlsCfg TLSConfig, b *broker.Broker, guard *resourceguard.Guard, logger zerolog.Logger) *Server {
	sessionCtx, cancel := context.WithCancel(context.Background())
	return &Server{addr: addr, tlsCfg: tlsCfg, broker: b, guard: guard, logger: logger, sessionCtx: sessionCtx, cancelSessions: cancel}
}

// Serve starts the HTTP/WebSocket listener and blocks until it is
// closed by Shutdown. When tlsCfg carries a cert/key pair, the listener
// is wrapped in TLS; otherwise it serves plaintext.
func (s *Server) Serve() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	s.listener = listener

	if s.tlsCfg.enabled() {
		tlsConf, err := buildTLSConfig(s.tlsCfg)
		if err != nil {
			return fmt.Errorf("transport: build tls config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConf)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/publish", s.handlePublish)
	mux.HandleFunc("/v1/topics", s.handleListTopics)
	mux.HandleFunc("/v1/subscribe", s.handleSubscribe)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("addr", s.addr).Bool("tls", s.tlsCfg.enabled()).Msg("transport listening")
	err = s.httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load x509 key pair: %w", err)
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	if cfg.ClientCA != "" {
		pem, err := os.ReadFile(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client ca file contains no usable certificates")
		}
		tlsConf.ClientCAs = pool
		tlsConf.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsConf, nil
}

// Shutdown stops accepting new connections and waits (up to grace) for
// active streams to finish, per spec §5's graceful-shutdown sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	s.cancelSessions()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type publishRequest struct {
	Topic      string            `json:"topic"`
	Payload    []byte            `json:"payload"`
	Attributes map[string]string `json:"attributes"`
}

type publishResponse struct {
	MessageID string `json:"message_id"`
	Sequence  uint64 `json:"sequence"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererr.New(brokererr.InvalidArgument, "malformed request body"))
		return
	}
	if req.Topic == "" {
		writeError(w, brokererr.New(brokererr.InvalidArgument, "topic must not be empty"))
		return
	}

	res, err := s.broker.Publish(r.Context(), req.Topic, req.Attributes, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, publishResponse{MessageID: res.MessageID, Sequence: res.Sequence})
}

type topicView struct {
	Name         string `json:"name"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

type listTopicsResponse struct {
	Topics []topicView `json:"topics"`
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	entries := s.broker.ListTopics()
	out := make([]topicView, 0, len(entries))
	for _, e := range entries {
		out = append(out, topicView{Name: e.Name, CreatedAtMs: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, listTopicsResponse{Topics: out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	body := map[string]any{
		"status":     status,
		"goroutines": resourceguard.NumGoroutine(),
	}
	if limit, err := resourceguard.CgroupMemoryLimit(); err != nil {
		s.logger.Debug().Err(err).Msg("cgroup memory limit unavailable")
	} else if limit > 0 {
		body["memory_limit_bytes"] = limit
	}

	writeJSON(w, code, body)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.guard != nil {
		if accept, reason := s.guard.ShouldAcceptSubscribe(); !accept {
			metrics.ConnectionsRejectedTotal.Inc()
			http.Error(w, reason, http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	go s.runSession(conn)
}

func (s *Server) runSession(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sessionID := s.broker.NextSessionID()
	wsConn := &wsConn{conn: conn, logger: s.logger}

	sess := s.broker.NewSession(sessionID)

	status, err := sess.Run(s.sessionCtx, wsConn)
	if err != nil {
		s.logger.Debug().Err(err).Str("status", string(status)).Str("session", sessionID).Msg("subscribe stream ended")
	} else {
		s.logger.Debug().Str("status", string(status)).Str("session", sessionID).Msg("subscribe stream ended")
	}

	closeMsg := ws.NewCloseFrameBody(ws.StatusNormalClosure, string(status))
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(closeMsg))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := brokererr.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case brokererr.InvalidArgument:
		code = http.StatusBadRequest
	case brokererr.NotFound:
		code = http.StatusNotFound
	case brokererr.ResourceExhausted:
		code = http.StatusTooManyRequests
	case brokererr.Unavailable:
		code = http.StatusServiceUnavailable
	case brokererr.FailedPrecondition:
		code = http.StatusPreconditionFailed
	case brokererr.Cancelled:
		code = http.StatusRequestTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "kind": string(kind)})
}

// wsConn adapts a gobwas/ws connection to subscription.Conn, following
// the teacher's readPump/writePump framing (wsutil.ReadClientData /
// WriteServerMessage) but synchronously: each Recv/Send is a direct
// blocking call rather than routed through a send channel, since the
// session's own select loop already provides the multiplexing the
// teacher's send channel existed for.
type wsConn struct {
	conn   net.Conn
	logger zerolog.Logger
}

type wireUpstream struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireInit struct {
	Topic           string `json:"topic"`
	Group           string `json:"group"`
	ConsumerID      string `json:"consumer_id"`
	InitialPosition string `json:"initial_position"`
}

type wireCreditGrant struct {
	N uint32 `json:"n"`
}

type wireAck struct {
	MessageID string `json:"message_id"`
	Sequence  uint64 `json:"sequence"`
}

func (c *wsConn) Recv(ctx context.Context) (subscription.UpstreamFrame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	data, _, err := wsutil.ReadClientData(c.conn)
	if err != nil {
		var closeErr wsutil.ClosedError
		if errors.As(err, &closeErr) && closeErr.Code == ws.StatusNormalClosure {
			return subscription.UpstreamFrame{}, subscription.ErrClientClosed
		}
		return subscription.UpstreamFrame{}, err
	}

	var env wireUpstream
	if err := json.Unmarshal(data, &env); err != nil {
		return subscription.UpstreamFrame{}, brokererr.New(brokererr.InvalidArgument, "malformed upstream frame")
	}

	switch env.Type {
	case "init":
		var in wireInit
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return subscription.UpstreamFrame{}, brokererr.New(brokererr.InvalidArgument, "malformed init frame")
		}
		pos := subscription.Earliest
		if in.InitialPosition == "LATEST" {
			pos = subscription.Latest
		}
		return subscription.UpstreamFrame{Init: &subscription.InitFrame{
			Topic: in.Topic, Group: in.Group, ConsumerID: in.ConsumerID, InitialPosition: pos,
		}}, nil

	case "credit_grant":
		var cg wireCreditGrant
		if err := json.Unmarshal(env.Data, &cg); err != nil {
			return subscription.UpstreamFrame{}, brokererr.New(brokererr.InvalidArgument, "malformed credit_grant frame")
		}
		return subscription.UpstreamFrame{CreditGrant: &subscription.CreditGrantFrame{N: cg.N}}, nil

	case "ack":
		var ack wireAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return subscription.UpstreamFrame{}, brokererr.New(brokererr.InvalidArgument, "malformed ack frame")
		}
		return subscription.UpstreamFrame{Ack: &subscription.AckFrame{MessageID: ack.MessageID, Sequence: ack.Sequence}}, nil

	default:
		return subscription.UpstreamFrame{}, brokererr.New(brokererr.InvalidArgument, "unknown upstream frame type: "+env.Type)
	}
}

type wireDelivery struct {
	Type        string            `json:"type"`
	MessageID   string            `json:"message_id"`
	Sequence    uint64            `json:"sequence"`
	TimestampMs int64             `json:"timestamp_ms"`
	Attributes  map[string]string `json:"attributes"`
	Payload     []byte            `json:"payload"`
}

func (c *wsConn) Send(ctx context.Context, msg subscription.MessageDelivery) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(wireDelivery{
		Type:        "message",
		MessageID:   msg.MessageID,
		Sequence:    msg.Sequence,
		TimestampMs: msg.TimestampMs,
		Attributes:  msg.Attributes,
		Payload:     msg.Payload,
	})
	if err != nil {
		return brokererr.Wrap(brokererr.Internal, "marshal delivery frame", err)
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}
