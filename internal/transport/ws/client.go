package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn is the dialing side of a replication link. It satisfies the
// engine's Connection contract; inbound payloads arrive on Frames.
type ClientConn struct {
	conn *websocket.Conn

	id              uint32
	updateFrequency uint32

	out    chan outFrame
	frames chan []byte
	done   chan struct{}

	compressThreshold int
}

// Dial connects, performs the join handshake and starts the read/write
// pumps. The returned connection is ready to hand to a client manager.
func Dial(url, name string, compressThreshold int) (*ClientConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	join := JoinMsg{Type: "JOIN", ProtocolVersion: ProtocolVersion, ClientName: name}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send JOIN: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	var welcome WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != "WELCOME" {
		_ = conn.Close()
		return nil, fmt.Errorf("bad WELCOME: %v", err)
	}
	if welcome.ProtocolVersion != ProtocolVersion {
		_ = conn.Close()
		return nil, fmt.Errorf("protocol version mismatch: %s", welcome.ProtocolVersion)
	}

	c := &ClientConn{
		conn:              conn,
		id:                welcome.ConnectionID,
		updateFrequency:   welcome.UpdateFrequency,
		out:               make(chan outFrame, 256),
		frames:            make(chan []byte, 1024),
		done:              make(chan struct{}),
		compressThreshold: compressThreshold,
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *ClientConn) ID() uint32              { return c.id }
func (c *ClientConn) UpdateFrequency() uint32 { return c.updateFrequency }

// Frames delivers inbound payloads. The channel closes when the socket
// does.
func (c *ClientConn) Frames() <-chan []byte { return c.frames }

// Done closes when the connection is gone.
func (c *ClientConn) Done() <-chan struct{} { return c.done }

func (c *ClientConn) Close() error { return c.conn.Close() }

func (c *ClientConn) SendReliable(frame []byte) {
	select {
	case c.out <- outFrame{channel: channelReliable, payload: frame}:
	case <-c.done:
	}
}

func (c *ClientConn) SendUnreliable(frame []byte) {
	select {
	case c.out <- outFrame{channel: channelUnreliable, payload: frame}:
	default:
	}
}

func (c *ClientConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			b := encodeFrame(f.channel, f.payload, c.compressThreshold)
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		}
	}
}

func (c *ClientConn) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		payload, err := decodeFrame(msg, 0)
		if err != nil {
			continue
		}
		select {
		case c.frames <- payload:
		default:
		}
	}
}
