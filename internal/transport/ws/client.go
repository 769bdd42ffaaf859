package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/pacsrelay/pacsrelay/internal/transport"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

var errSessionReleased = errors.New("session released")

// DialerOptions configures outbound sessions.
type DialerOptions struct {
	Secret           []byte        // signs a session token when set
	Compression      bool          // zstd-compress object payloads
	HandshakeTimeout time.Duration // default 30s
	Timeout          time.Duration // per send/echo round trip, default 60s
	MaxFrameSize     int64         // 0 uses DefaultMaxFrameSize
}

// Dialer is a transport.Dialer.
type Dialer struct {
	opts DialerOptions
	enc  *zstd.Encoder
}

// NewDialer creates a dialer.
func NewDialer(opts DialerOptions) (*Dialer, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	d := &Dialer{opts: opts}
	if opts.Compression {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		d.enc = enc
	}
	return d, nil
}

// Dial opens a session with the peer described by o.
func (d *Dialer) Dial(ctx context.Context, o transport.DialOptions) (transport.Session, error) {
	u := url.URL{Scheme: "ws", Host: o.Addr(), Path: SessionPath}

	headers := http.Header{}
	headers.Set(HeaderCallingIdentity, o.LocalIdentity)
	headers.Set(HeaderCalledIdentity, o.RemoteIdentity)
	if len(d.opts.Secret) > 0 {
		token, err := SignToken(d.opts.Secret, o.LocalIdentity, DefaultTokenTTL)
		if err != nil {
			return nil, transport.NewError(transport.ErrUnexpected, "dial", err)
		}
		headers.Set("Authorization", "Bearer "+token)
	}

	wd := websocket.Dialer{
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	conn, resp, err := wd.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			_ = resp.Body.Close()
			kind := transport.ErrUnexpected
			if resp.StatusCode == http.StatusForbidden {
				kind = transport.ErrProtocolReject
			}
			return nil, transport.NewError(kind, "dial", fmt.Errorf("%s - %s", resp.Status, string(body)))
		}
		return nil, transport.Classify("dial", err)
	}
	conn.SetReadLimit(d.opts.MaxFrameSize)

	log.Debug().
		Str("upstream", o.Addr()).
		Str("identity", o.RemoteIdentity).
		Msg("session established")

	return &session{conn: conn, dialer: d, addr: o.Addr()}, nil
}

type session struct {
	conn   *websocket.Conn
	dialer *Dialer
	addr   string

	mu       sync.Mutex
	released bool
}

func (s *session) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(s.dialer.opts.Timeout)
	if ctxDl, ok := ctx.Deadline(); ok && ctxDl.Before(dl) {
		dl = ctxDl
	}
	return dl
}

// roundTrip writes one frame and reads the reply frame.
func (s *session) roundTrip(ctx context.Context, op string, frame []byte, want byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, transport.NewError(transport.ErrUnexpected, op, errSessionReleased)
	}

	dl := s.deadline(ctx)
	_ = s.conn.SetWriteDeadline(dl)
	_ = s.conn.SetReadDeadline(dl)

	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, transport.Classify(op, err)
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, transport.Classify(op, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frameType, hdr, _, err := proto.DecodeFrame(data)
		if err != nil {
			return nil, transport.NewError(transport.ErrProtocolReject, op, err)
		}
		if frameType != want {
			return nil, transport.NewError(transport.ErrProtocolReject, op,
				fmt.Errorf("unexpected frame type 0x%02x", frameType))
		}
		return hdr, nil
	}
}

func (s *session) Send(ctx context.Context, obj *proto.Object) (proto.Status, error) {
	payload := obj.Payload
	encoding := proto.EncodingRaw
	if s.dialer.enc != nil {
		payload = s.dialer.enc.EncodeAll(obj.Payload, nil)
		encoding = proto.EncodingZstd
	}

	frame, err := proto.EncodeFrame(proto.FrameObject, proto.ObjectHeader{
		Metadata: obj.Metadata,
		Encoding: encoding,
		Size:     len(obj.Payload),
	}, payload)
	if err != nil {
		return 0, transport.NewError(transport.ErrUnexpected, "send", err)
	}

	hdr, err := s.roundTrip(ctx, "send", frame, proto.FrameResult)
	if err != nil {
		return 0, err
	}
	var res proto.ResultHeader
	if err := json.Unmarshal(hdr, &res); err != nil {
		return 0, transport.NewError(transport.ErrProtocolReject, "send", err)
	}
	return res.Status, nil
}

func (s *session) Echo(ctx context.Context) error {
	frame, err := proto.EncodeFrame(proto.FrameEcho, nil, nil)
	if err != nil {
		return transport.NewError(transport.ErrUnexpected, "echo", err)
	}
	_, err = s.roundTrip(ctx, "echo", frame, proto.FrameEchoReply)
	return err
}

// Release ends the session. It is safe to call more than once.
func (s *session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true

	dl := time.Now().Add(5 * time.Second)
	_ = s.conn.SetWriteDeadline(dl)
	if frame, err := proto.EncodeFrame(proto.FrameRelease, nil, nil); err == nil {
		_ = s.conn.WriteMessage(websocket.BinaryMessage, frame)
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), dl)

	log.Debug().Str("upstream", s.addr).Msg("session released")
	return s.conn.Close()
}
