// Package ws carries replication traffic over websockets. After a JSON
// join handshake every message is a binary frame: one tag byte, then the
// payload. Reliable frames ride the websocket's ordered stream; frames
// tagged unreliable are dropped at the sender when the outbox is full,
// which models a lossy datagram channel over a single socket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

const ProtocolVersion = "1.0"

const (
	channelReliable   = 0x00
	channelUnreliable = 0x01
	flagCompressed    = 0x80

	channelMask = 0x7f
)

var errFrameTooLarge = errors.New("frame too large")

var (
	zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDec, _ = zstd.NewReader(nil)
)

// JoinMsg is the first message a client sends after the upgrade.
type JoinMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
}

// WelcomeMsg is the server's handshake reply.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ConnectionID    uint32 `json:"connection_id"`
	UpdateFrequency uint32 `json:"update_frequency"`
}

// InboundFrame is one decoded payload from a peer, ready for the engine.
type InboundFrame struct {
	ConnectionID uint32
	Payload      []byte
}

// Conn is one accepted client connection. It satisfies the engine's
// Connection contract; both Send methods only enqueue.
type Conn struct {
	id   uint32
	name string

	out    chan outFrame
	cancel context.CancelFunc

	compressThreshold int
}

type outFrame struct {
	channel byte
	payload []byte
}

func (c *Conn) ID() uint32   { return c.id }
func (c *Conn) Name() string { return c.name }

// SendReliable enqueues an ordered frame. A peer too slow to drain its
// outbox is disconnected rather than allowed to stall the tick loop.
func (c *Conn) SendReliable(frame []byte) {
	select {
	case c.out <- outFrame{channel: channelReliable, payload: frame}:
	default:
		c.cancel()
	}
}

// SendUnreliable enqueues a frame that may be dropped under pressure.
func (c *Conn) SendUnreliable(frame []byte) {
	select {
	case c.out <- outFrame{channel: channelUnreliable, payload: frame}:
	default:
	}
}

type Server struct {
	log *log.Logger

	updateFrequency   uint32
	maxFrameBytes     int
	compressThreshold int

	nextID atomic.Uint32

	joins  chan *Conn
	leaves chan uint32
	frames chan InboundFrame

	upgrader websocket.Upgrader
}

// NewServer builds the accept side. updateFrequency is quoted to clients
// in the welcome message so they can pace interpolation before the first
// synchronization arrives.
func NewServer(updateFrequency uint32, maxFrameBytes, compressThreshold int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		log:               logger,
		updateFrequency:   updateFrequency,
		maxFrameBytes:     maxFrameBytes,
		compressThreshold: compressThreshold,
		joins:             make(chan *Conn, 64),
		leaves:            make(chan uint32, 64),
		frames:            make(chan InboundFrame, 4096),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// Joins delivers connections that completed the handshake. The engine
// loop must register each one before its frames are meaningful.
func (s *Server) Joins() <-chan *Conn { return s.joins }

// Leaves delivers connection IDs whose socket closed.
func (s *Server) Leaves() <-chan uint32 { return s.leaves }

// Frames delivers inbound payloads from all connections.
func (s *Server) Frames() <-chan InboundFrame { return s.frames }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := s.handshake(conn, cancel)
		if c == nil {
			return
		}

		s.joins <- c

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-c.out:
					b := encodeFrame(f.channel, f.payload, c.compressThreshold)
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			payload, err := decodeFrame(msg, s.maxFrameBytes)
			if err != nil {
				if errors.Is(err, errFrameTooLarge) {
					s.log.Printf("ws: conn %d oversized frame, closing", c.id)
					cancel()
					break
				}
				continue
			}
			select {
			case s.frames <- InboundFrame{ConnectionID: c.id, Payload: payload}:
			case <-ctx.Done():
			}
		}

		s.leaves <- c.id
	}
}

func (s *Server) handshake(conn *websocket.Conn, cancel context.CancelFunc) *Conn {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	var join JoinMsg
	if err := json.Unmarshal(msg, &join); err != nil || join.Type != "JOIN" {
		closePolicy(conn, "expected JOIN")
		return nil
	}
	if join.ProtocolVersion != ProtocolVersion {
		closePolicy(conn, "bad protocol_version")
		return nil
	}
	if join.ClientName == "" {
		join.ClientName = "client"
	}

	// IDs start at 1; the engine reserves 0 for "no connection".
	id := s.nextID.Add(1)
	c := &Conn{
		id:                id,
		name:              join.ClientName,
		out:               make(chan outFrame, 256),
		cancel:            cancel,
		compressThreshold: s.compressThreshold,
	}

	welcome := WelcomeMsg{
		Type:            "WELCOME",
		ProtocolVersion: ProtocolVersion,
		ConnectionID:    id,
		UpdateFrequency: s.updateFrequency,
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil
	}
	return c
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

// encodeFrame prefixes the payload with its channel tag, compressing
// payloads at or above threshold. threshold <= 0 disables compression.
func encodeFrame(channel byte, payload []byte, threshold int) []byte {
	if threshold > 0 && len(payload) >= threshold {
		b := make([]byte, 1, 1+len(payload)/2)
		b[0] = channel | flagCompressed
		return zstdEnc.EncodeAll(payload, b)
	}
	b := make([]byte, 1+len(payload))
	b[0] = channel
	copy(b[1:], payload)
	return b
}

// decodeFrame strips the tag byte and decompresses when flagged.
// maxBytes bounds the decoded size; <= 0 means unbounded.
func decodeFrame(b []byte, maxBytes int) ([]byte, error) {
	if len(b) < 1 {
		return nil, errors.New("empty frame")
	}
	tag, payload := b[0], b[1:]
	if tag&flagCompressed != 0 {
		out, err := zstdDec.DecodeAll(payload, nil)
		if err != nil {
			return nil, err
		}
		payload = out
	}
	if maxBytes > 0 && len(payload) > maxBytes {
		return nil, errFrameTooLarge
	}
	switch tag & channelMask {
	case channelReliable, channelUnreliable:
		return payload, nil
	default:
		return nil, errors.New("unknown channel tag")
	}
}
