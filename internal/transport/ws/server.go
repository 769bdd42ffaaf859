// Package ws carries relay sessions over websockets. One websocket is one
// session; every message is a proto frame.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/pacsrelay/pacsrelay/internal/transport"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// Session handshake.
const (
	SessionPath           = "/v1/session"
	HeaderCallingIdentity = "X-Calling-Identity"
	HeaderCalledIdentity  = "X-Called-Identity"
)

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 128 << 20

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("listener already started")

// ServerOptions configures a Server.
type ServerOptions struct {
	Identity          string // identity callers must address
	AcceptAnyIdentity bool
	Secret            []byte // when set, callers must present a token
	MaxFrameSize      int64  // 0 uses DefaultMaxFrameSize
	Events            transport.Events
}

// Server is a transport.Listener.
type Server struct {
	addr     string
	opts     ServerOptions
	upgrader websocket.Upgrader
	dec      *zstd.Decoder

	mu       sync.Mutex
	ln       net.Listener
	srv      *http.Server
	handler  transport.Handler
	baseCtx  context.Context
	conns    map[*websocket.Conn]struct{}
	closing  bool
	sessions sync.WaitGroup
}

// NewServer creates a listener that will bind addr on Start.
func NewServer(addr string, opts ServerOptions) (*Server, error) {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(opts.MaxFrameSize)))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Server{
		addr: addr,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16384,
			WriteBufferSize: 16384,
			CheckOrigin: func(r *http.Request) bool {
				return true // peers are not browsers
			},
		},
		dec:   dec,
		conns: make(map[*websocket.Conn]struct{}),
	}, nil
}

// Start binds the socket and serves sessions in the background.
func (s *Server) Start(ctx context.Context, h transport.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(SessionPath, s.serveSession)

	s.ln = ln
	s.handler = h
	s.baseCtx = context.WithoutCancel(ctx)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("session listener stopped")
		}
	}(s.srv)

	log.Info().Str("addr", ln.Addr().String()).Str("identity", s.opts.Identity).Msg("session listener started")
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting sessions. Open sessions finish the object they
// are handling and are then closed. If ctx expires first, remaining
// connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	if srv == nil || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	for conn := range s.conns {
		// Unblocks the read loop once the current object is answered.
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}

	s.dec.Close()
	log.Info().Msg("session listener stopped")
	return err
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.sessions.Done()
}

// authorize returns a rejection reason, or "" if the session may proceed.
func (s *Server) authorize(r *http.Request, peer transport.Peer) string {
	if peer.Identity == "" {
		return "missing calling identity"
	}
	called := r.Header.Get(HeaderCalledIdentity)
	if !s.opts.AcceptAnyIdentity && called != s.opts.Identity {
		return fmt.Sprintf("called identity %q not recognised", called)
	}
	if len(s.opts.Secret) == 0 {
		return ""
	}
	token, err := bearerToken(r)
	if err != nil {
		return err.Error()
	}
	subject, err := VerifyToken(s.opts.Secret, token)
	if err != nil {
		return "invalid token"
	}
	if subject != peer.Identity {
		return "token subject does not match calling identity"
	}
	return ""
}

func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	peer := transport.Peer{
		Identity: r.Header.Get(HeaderCallingIdentity),
		Address:  r.RemoteAddr,
	}
	s.opts.Events.Requested(peer)

	if reason := s.authorize(r, peer); reason != "" {
		s.opts.Events.Rejected(peer, reason)
		log.Warn().
			Str("peer", peer.Identity).
			Str("addr", peer.Address).
			Str("reason", reason).
			Msg("session rejected")
		http.Error(w, reason, http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug().Err(err).Str("addr", peer.Address).Msg("websocket upgrade failed")
		return
	}
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	s.opts.Events.Accepted(peer)
	log.Debug().Str("peer", peer.Identity).Str("addr", peer.Address).Msg("session accepted")

	conn.SetReadLimit(s.opts.MaxFrameSize)
	s.readLoop(conn, peer)
}

func (s *Server) readLoop(conn *websocket.Conn, peer transport.Peer) {
	s.mu.Lock()
	ctx, handler := s.baseCtx, s.handler
	s.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("peer", peer.Identity).Msg("session read ended")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frameType, hdr, payload, err := proto.DecodeFrame(data)
		if err != nil {
			s.reply(conn, proto.FrameResult, proto.ResultHeader{Status: proto.StatusCannotUnderstand, Message: err.Error()})
			continue
		}

		switch frameType {
		case proto.FrameObject:
			status := s.receive(ctx, handler, peer, hdr, payload)
			s.reply(conn, proto.FrameResult, proto.ResultHeader{Status: status, Message: status.String()})
		case proto.FrameEcho:
			s.reply(conn, proto.FrameEchoReply, nil)
		case proto.FrameRelease:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(5*time.Second))
			return
		default:
			s.reply(conn, proto.FrameResult, proto.ResultHeader{
				Status:  proto.StatusCannotUnderstand,
				Message: fmt.Sprintf("unknown frame type 0x%02x", frameType),
			})
		}
	}
}

func (s *Server) receive(ctx context.Context, h transport.Handler, peer transport.Peer, hdr, payload []byte) proto.Status {
	var oh proto.ObjectHeader
	if err := json.Unmarshal(hdr, &oh); err != nil {
		log.Warn().Err(err).Str("peer", peer.Identity).Msg("malformed object header")
		return proto.StatusCannotUnderstand
	}

	switch oh.Encoding {
	case proto.EncodingRaw:
	case proto.EncodingZstd:
		decoded, err := s.dec.DecodeAll(payload, nil)
		if err != nil {
			log.Warn().Err(err).Str("peer", peer.Identity).Msg("failed to decompress payload")
			return proto.StatusCannotUnderstand
		}
		payload = decoded
	default:
		log.Warn().Str("encoding", oh.Encoding).Str("peer", peer.Identity).Msg("unsupported payload encoding")
		return proto.StatusCannotUnderstand
	}
	if oh.Size != len(payload) {
		log.Warn().Int("declared", oh.Size).Int("actual", len(payload)).Str("peer", peer.Identity).Msg("payload size mismatch")
		return proto.StatusCannotUnderstand
	}

	// The frame buffer is not reused, so the payload can be handed over as is.
	return h(ctx, &transport.Inbound{
		Object: &proto.Object{Metadata: oh.Metadata, Payload: payload},
		Peer:   peer,
	})
}

func (s *Server) reply(conn *websocket.Conn, frameType byte, header any) {
	frame, err := proto.EncodeFrame(frameType, header, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode reply")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		log.Debug().Err(err).Msg("failed to write reply")
	}
}
