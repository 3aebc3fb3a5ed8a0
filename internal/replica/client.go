package replica

import (
	"fmt"
	"log"

	"framesync.io/internal/clock"
	"framesync.io/internal/nettime"
	"framesync.io/internal/protocol"
	"framesync.io/internal/scene"
)

// PrefabBuilder populates a freshly spawned node's subtree before any
// replicated delta touches it.
type PrefabBuilder func(node *scene.Node)

// Client mirrors the synchronization handshake from the client side,
// maintains the estimated server time and applies replicated object state
// into the local scene registry. Replication and clock synchronization are
// independent: object messages are applied even while the clock estimate
// is still settling.
type Client struct {
	conn Connection
	reg  *scene.Registry
	log  *log.Logger

	prefabs map[string]PrefabBuilder

	est             *clock.Estimator
	driftTolerance  float64
	updateFrequency uint32
	connectionID    uint32
	lastPingMs      uint32
}

// NewClient creates a client manager speaking to the server over conn and
// materializing replicated objects into reg. Only the clock drift
// tolerance is taken from settings; window sizes come from the server
// with the Synchronize message. prefabs may be nil.
func NewClient(conn Connection, reg *scene.Registry, settings Settings, prefabs map[string]PrefabBuilder, logger *log.Logger) *Client {
	settings = settings.Normalized()
	return &Client{
		conn:           conn,
		reg:            reg,
		log:            logger,
		prefabs:        prefabs,
		driftTolerance: settings.ClockDriftTolerance,
		// Window configuration is replaced by the server's quoted
		// values with the first Synchronize message.
		est: clock.NewEstimator(21, 3, settings.ClockDriftTolerance),
	}
}

// Update advances the estimated server clock by one local frame step.
func (c *Client) Update(timeStep float64) {
	c.est.Advance(timeStep)
}

// ProcessMessage applies one received frame. Malformed payloads skip the
// specific update and leave the connection alive; the next full resync or
// snapshot heals whatever was missed.
func (c *Client) ProcessMessage(id protocol.MessageID, body []byte) {
	r := protocol.NewReader(body)
	switch id {
	case protocol.MsgPingPong:
		var msg protocol.PingPongMsg
		msg.Load(r)
		if r.Err() != nil {
			return
		}
		c.scratchSend(protocol.MsgPingPong, func(w *protocol.Writer) {
			protocol.PingPongMsg{Magic: msg.Magic}.Save(w)
		}, true)

	case protocol.MsgSynchronize:
		var msg protocol.SynchronizeMsg
		msg.Load(r)
		if r.Err() != nil {
			return
		}
		c.processSynchronize(msg)

	case protocol.MsgClock:
		var msg protocol.ClockMsg
		msg.Load(r)
		if r.Err() != nil {
			return
		}
		c.lastPingMs = msg.PingMs
		c.est.ObserveClock(msg.LastFrame, float64(msg.PingMs)/1000)

	case protocol.MsgAddObjects:
		c.processAddObjects(r)

	case protocol.MsgRemoveObjects:
		c.processRemoveObjects(r)

	case protocol.MsgUpdateObjectsReliable:
		c.processUpdateObjects(r, true)

	case protocol.MsgUpdateObjectsUnreliable:
		c.processUpdateObjects(r, false)

	default:
		if c.log != nil {
			c.log.Printf("replica: unexpected message %v from server", id)
		}
	}
}

func (c *Client) processSynchronize(msg protocol.SynchronizeMsg) {
	c.connectionID = msg.ConnectionID
	c.updateFrequency = msg.UpdateFrequency
	c.lastPingMs = msg.PingMs

	// A fresh handshake means a fresh epoch: rebuild the drift window
	// with the server's quoted configuration.
	c.est = clock.NewEstimator(int(msg.NumOngoingClockSamples), int(msg.NumTrimmedClockSamples), c.driftTolerance)
	c.est.Resync(msg.LastFrame, float64(msg.PingMs)/1000, msg.UpdateFrequency)

	c.scratchSend(protocol.MsgSynchronizeAck, func(w *protocol.Writer) {
		protocol.SynchronizeAckMsg{Magic: msg.Magic}.Save(w)
	}, true)
}

func (c *Client) processAddObjects(r *protocol.Reader) {
	entries := protocol.LoadAddObjects(r)
	if entries == nil {
		return
	}
	for _, entry := range entries {
		if err := c.addObject(entry); err != nil && c.log != nil {
			c.log.Printf("replica: add object %d: %v", entry.ObjectID, err)
		}
	}
}

func (c *Client) addObject(entry protocol.AddObjectEntry) error {
	id := scene.NetworkID(entry.ObjectID)
	mode := scene.OwnershipMode(entry.Mode)
	if mode != scene.ModeClientOwned && mode != scene.ModeClientReplicated {
		return fmt.Errorf("bad ownership mode %d", entry.Mode)
	}

	if existing := c.reg.Get(id); existing != nil {
		// Re-add after a server-side resync: refresh in place.
		sr := protocol.NewReader(entry.Snapshot)
		if err := existing.ReadSnapshot(sr); err != nil {
			return err
		}
		c.reg.SetMode(existing, mode)
		return nil
	}

	parentNode := c.reg.Root()
	if parent := c.reg.Get(scene.NetworkID(entry.ParentID)); parent != nil {
		parentNode = parent.Node()
	}

	name := entry.Prefab
	if name == "" {
		name = fmt.Sprintf("object_%d", entry.ObjectID)
	}
	node := parentNode.CreateChild(name)

	// The prefab subtree must exist before deltas arrive for it.
	if entry.Prefab != "" {
		if build, ok := c.prefabs[entry.Prefab]; ok {
			build(node)
		}
	}

	// Attach before applying the snapshot: the transform hooks write
	// through the object's node.
	obj := scene.NewPrefabObject(entry.Prefab)
	c.reg.AttachReplicated(id, node, obj, mode)
	sr := protocol.NewReader(entry.Snapshot)
	if err := obj.ReadSnapshot(sr); err != nil {
		c.reg.Remove(obj)
		return err
	}
	return nil
}

func (c *Client) processRemoveObjects(r *protocol.Reader) {
	ids := protocol.LoadRemoveObjects(r)
	for _, raw := range ids {
		// A batch lists a removed subtree object by object; the first
		// cascade already took the descendants with it.
		if obj := c.reg.Get(scene.NetworkID(raw)); obj != nil {
			c.reg.Remove(obj)
		}
	}
}

func (c *Client) processUpdateObjects(r *protocol.Reader, reliable bool) {
	entries := protocol.LoadObjectDeltas(r)
	if entries == nil {
		return
	}
	now := c.est.Time()
	for _, entry := range entries {
		obj := c.reg.Get(scene.NetworkID(entry.ObjectID))
		if obj == nil {
			// Unknown or already removed: skip this update only.
			continue
		}
		er := protocol.NewReader(entry.Payload)
		var err error
		if reliable {
			err = obj.ReadReliableDelta(er)
			if err == nil {
				c.reg.SetMode(obj, c.perceivedMode(obj))
			}
		} else {
			err = obj.ReadUnreliableDelta(now, er)
		}
		if err != nil && c.log != nil {
			c.log.Printf("replica: apply delta for %d: %v", entry.ObjectID, err)
		}
	}
}

func (c *Client) perceivedMode(obj scene.Object) scene.OwnershipMode {
	if obj.Owner() == c.connectionID && c.connectionID != 0 {
		return scene.ModeClientOwned
	}
	return scene.ModeClientReplicated
}

// SendFeedback ships a client observation to the server on the unreliable
// channel, stamped with the current estimated server time.
func (c *Client) SendFeedback(offset, size uint32, payload []byte) {
	now := c.est.Time()
	msg := protocol.ObjectsFeedbackMsg{
		Frame:    now.Frame(),
		Fraction: protocol.FractionToFixed(now.Fraction()),
		Offset:   offset,
		Size:     size,
		Payload:  payload,
	}
	c.scratchSend(protocol.MsgObjectsFeedbackUnreliable, msg.Save, false)
}

func (c *Client) scratchSend(id protocol.MessageID, save func(*protocol.Writer), reliable bool) {
	w := protocol.NewWriter(64)
	save(w)
	frame := protocol.Encode(id, w)
	if reliable {
		c.conn.SendReliable(frame)
	} else {
		c.conn.SendUnreliable(frame)
	}
}

// IsSynchronized reports whether a handshake has completed and the clock
// estimate is live.
func (c *Client) IsSynchronized() bool {
	return c.est.IsSynchronized()
}

// PingMs returns the server-measured round trip quoted by the latest
// Synchronize or Clock message.
func (c *Client) PingMs() uint32 {
	return c.lastPingMs
}

// ServerTime returns the estimated current server time.
func (c *Client) ServerTime() nettime.Time {
	return c.est.Time()
}

func (c *Client) CurrentFrame() uint32 {
	return c.est.Time().Frame()
}

// FrameDeltaRelativeTo returns the signed frame distance from the
// reference frame to the estimated current frame.
func (c *Client) FrameDeltaRelativeTo(referenceFrame uint32) float64 {
	return c.est.FrameDeltaRelativeTo(referenceFrame)
}

// LastSynchronizationFrame identifies the handshake epoch; it changes
// exactly when a fresh synchronization completes.
func (c *Client) LastSynchronizationFrame() uint32 {
	return c.est.LastSyncFrame()
}

// ConnectionID returns the id the server assigned in the handshake.
func (c *Client) ConnectionID() uint32 {
	return c.connectionID
}

// OwnershipMode reports how this client perceives an object.
func (c *Client) OwnershipMode(id scene.NetworkID) scene.OwnershipMode {
	if obj := c.reg.Get(id); obj != nil {
		return obj.Mode()
	}
	return scene.ModeDraft
}
