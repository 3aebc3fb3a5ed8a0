package replica

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"

	"framesync.io/internal/nettime"
	"framesync.io/internal/protocol"
	"framesync.io/internal/scene"
)

// EventKind labels a replication lifecycle event for diagnostics.
type EventKind string

const (
	EventConnectionAdded   EventKind = "connection_added"
	EventConnectionRemoved EventKind = "connection_removed"
	EventSynchronizeSent   EventKind = "synchronize_sent"
	EventSynchronized      EventKind = "synchronized"
	EventResyncForced      EventKind = "resync_forced"
)

// Event is a replication lifecycle record, consumed by the journal and
// trace sinks wired in by the host application.
type Event struct {
	Frame        uint32    `json:"frame"`
	ConnectionID uint32    `json:"connection_id"`
	Kind         EventKind `json:"kind"`
	PingMs       uint32    `json:"ping_ms,omitempty"`
}

type deltaSpan struct {
	start, end int
	serial     uint64
}

// Server is the authoritative replication manager. It runs once per
// network tick inside the simulation step: it advances the frame counter,
// drives the per-connection synchronization handshakes, detects relevance
// changes, serializes deltas once per tick and fans the resulting batches
// out to every connection in a fixed order. Nothing here blocks; waiting
// for acks and pongs is state carried across ticks.
type Server struct {
	settings Settings
	reg      *scene.Registry
	log      *log.Logger
	rng      *rand.Rand

	currentFrame uint32
	tickSerial   uint64
	clockSec     float64

	connections map[uint32]*clientConnectionData
	order       []uint32

	deltaBuffer     *protocol.Writer
	scratch         *protocol.Writer
	reliableSpans   []deltaSpan
	unreliableSpans []deltaSpan

	// OnEvent, when set, receives lifecycle events as they happen.
	OnEvent func(Event)
}

// NewServer creates a server manager over the given scene registry. The
// rng drives ping and handshake magics; pass a seeded source for
// deterministic tests.
func NewServer(reg *scene.Registry, settings Settings, rng *rand.Rand, logger *log.Logger) *Server {
	s := &Server{
		settings:    settings.Normalized(),
		reg:         reg,
		log:         logger,
		rng:         rng,
		connections: make(map[uint32]*clientConnectionData),
		deltaBuffer: protocol.NewWriter(4096),
		scratch:     protocol.NewWriter(512),
	}
	reg.OnDirty(s.onObjectDirty)
	reg.OnRemoved(s.onObjectRemoved)
	return s
}

func (s *Server) Settings() Settings {
	return s.settings
}

// AddConnection starts tracking a peer. Ping sampling begins immediately;
// object replication waits for the synchronization handshake.
func (s *Server) AddConnection(conn Connection) {
	id := conn.ID()
	if _, ok := s.connections[id]; ok {
		return
	}
	data := newClientConnectionData(conn, s.settings, s.rng)
	data.expectedFrame = s.currentFrame
	s.connections[id] = data
	s.order = append(s.order, id)
	s.emit(Event{Frame: s.currentFrame, ConnectionID: id, Kind: EventConnectionAdded})
}

// RemoveConnection synchronously discards all state for a peer. Frames
// already handed to the transport are not recalled; other connections are
// untouched.
func (s *Server) RemoveConnection(connID uint32) {
	if _, ok := s.connections[connID]; !ok {
		return
	}
	delete(s.connections, connID)
	for i, id := range s.order {
		if id == connID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.emit(Event{Frame: s.currentFrame, ConnectionID: connID, Kind: EventConnectionRemoved})
}

// Update runs one network tick: advance the clock, service handshakes and
// schedules, and flush this tick's batches to every connection.
func (s *Server) Update(timeStep float64) {
	s.currentFrame++
	s.tickSerial++
	s.clockSec += timeStep
	s.deltaBuffer.Reset()

	for _, id := range s.order {
		data := s.connections[id]
		s.updateClocks(data, timeStep)
		if data.everSynchronized {
			s.collectObjectsToUpdate(data, timeStep)
		}
	}

	for _, id := range s.order {
		data := s.connections[id]
		// Fixed send order: a client must never see an update for an
		// object it was not told about, nor an add for an object
		// already scheduled for removal.
		if data.everSynchronized {
			s.sendRemoveObjects(data)
			s.sendAddObjects(data)
			s.sendUpdateObjectsReliable(data)
			s.sendUpdateObjectsUnreliable(data)
		}
		s.sendPingAndClockMessages(data, timeStep)
	}
}

func (s *Server) updateClocks(data *clientConnectionData, timeStep float64) {
	// Pings due this tick are queued and sent after the object batches,
	// keeping the per-tick send order fixed.
	data.duePings = append(data.duePings, data.pinger.Advance(timeStep)...)

	data.expectedFrame++
	if jump := nettime.FrameDelta(s.currentFrame, data.expectedFrame); jump > s.settings.ResyncFrameThreshold || jump < -s.settings.ResyncFrameThreshold {
		data.expectedFrame = s.currentFrame
		if data.synchronized || data.pendingSyncMagic != 0 {
			data.synchronized = false
			data.pendingSyncMagic = 0
			data.pinger.SetInterval(float64(s.settings.ClockIntervalMs) / 1000)
			s.emit(Event{Frame: s.currentFrame, ConnectionID: data.conn.ID(), Kind: EventResyncForced})
		}
	}
}

func (s *Server) sendPingAndClockMessages(data *clientConnectionData, timeStep float64) {
	for _, magic := range data.duePings {
		s.scratch.Reset()
		protocol.PingPongMsg{Magic: magic}.Save(s.scratch)
		data.conn.SendReliable(protocol.Encode(protocol.MsgPingPong, s.scratch))
	}
	data.duePings = data.duePings[:0]

	if !data.synchronized {
		s.sendSynchronizeMessages(data, timeStep)
		return
	}

	data.clockAccumulator += timeStep
	interval := float64(s.settings.ClockIntervalMs) / 1000
	if data.clockAccumulator >= interval {
		for data.clockAccumulator >= interval {
			data.clockAccumulator -= interval
		}
		s.scratch.Reset()
		protocol.ClockMsg{LastFrame: s.currentFrame, PingMs: data.pinger.PingMs()}.Save(s.scratch)
		data.conn.SendUnreliable(protocol.Encode(protocol.MsgClock, s.scratch))
	}
}

func (s *Server) sendSynchronizeMessages(data *clientConnectionData, timeStep float64) {
	if data.pinger.SampleCount() < s.settings.minSyncSamples() {
		return
	}
	if data.pendingSyncMagic != 0 {
		// Handshake in flight; retry on the ping cadence in case the
		// offer or its ack was lost.
		data.syncAccumulator += timeStep
		if data.syncAccumulator < float64(s.settings.PingIntervalMs)/1000 {
			return
		}
	}
	data.syncAccumulator = 0
	data.pendingSyncMagic = s.newMagic()
	data.lastSyncFrame = s.currentFrame

	msg := protocol.SynchronizeMsg{
		Magic:                  data.pendingSyncMagic,
		ConnectionID:           data.conn.ID(),
		UpdateFrequency:        s.settings.UpdateFrequency,
		NumTrimmedClockSamples: uint32(s.settings.NumTrimmedClockSamples),
		NumOngoingClockSamples: uint32(s.settings.NumOngoingClockSamples),
		LastFrame:              s.currentFrame,
		PingMs:                 data.pinger.PingMs(),
	}
	s.scratch.Reset()
	msg.Save(s.scratch)
	data.conn.SendReliable(protocol.Encode(protocol.MsgSynchronize, s.scratch))
	s.emit(Event{Frame: s.currentFrame, ConnectionID: data.conn.ID(), Kind: EventSynchronizeSent, PingMs: msg.PingMs})
}

func (s *Server) collectObjectsToUpdate(data *clientConnectionData, timeStep float64) {
	connID := data.conn.ID()
	for _, obj := range s.reg.Objects() {
		slot := obj.ID().Slot()
		relevant := obj.IsRelevantTo(connID)
		if !data.isReplicated.Get(slot) {
			if relevant {
				data.isReplicated.Set(slot, true)
				data.setRelevanceTimeout(slot, s.settings.RelevanceTimeoutSec)
				data.mask.Clear(slot)
				data.pendingAdd = append(data.pendingAdd, obj)
			}
			continue
		}
		if relevant {
			data.setRelevanceTimeout(slot, s.settings.RelevanceTimeoutSec)
			continue
		}
		remaining := data.relevanceTimeout(slot) - timeStep
		data.setRelevanceTimeout(slot, remaining)
		if remaining <= 0 {
			data.pendingRemove = append(data.pendingRemove, uint32(obj.ID()))
			data.forgetSlot(slot)
		}
	}
}

func (s *Server) sendRemoveObjects(data *clientConnectionData) {
	if len(data.pendingRemove) == 0 {
		return
	}
	s.scratch.Reset()
	protocol.SaveRemoveObjects(s.scratch, data.pendingRemove)
	data.conn.SendReliable(protocol.Encode(protocol.MsgRemoveObjects, s.scratch))
	data.pendingRemove = data.pendingRemove[:0]
}

func (s *Server) sendAddObjects(data *clientConnectionData) {
	if len(data.pendingAdd) == 0 {
		return
	}
	connID := data.conn.ID()
	entries := make([]protocol.AddObjectEntry, 0, len(data.pendingAdd))
	snapshot := protocol.NewWriter(256)
	for _, obj := range data.pendingAdd {
		if obj.ID() == scene.InvalidID {
			// Removed in the same tick it became relevant.
			continue
		}
		snapshot.Reset()
		obj.WriteSnapshot(snapshot)
		entry := protocol.AddObjectEntry{
			ObjectID: uint32(obj.ID()),
			Mode:     uint8(s.modeForConnection(obj, connID)),
			Prefab:   obj.Prefab(),
			Snapshot: append([]byte(nil), snapshot.Bytes()...),
		}
		if p := obj.Node().Parent(); p != nil && p.Object() != nil {
			entry.ParentID = uint32(p.Object().ID())
		}
		entries = append(entries, entry)
	}
	data.pendingAdd = data.pendingAdd[:0]
	if len(entries) == 0 {
		return
	}
	s.scratch.Reset()
	protocol.SaveAddObjects(s.scratch, entries)
	data.conn.SendReliable(protocol.Encode(protocol.MsgAddObjects, s.scratch))
}

// modeForConnection computes how one connection perceives an object's
// ownership. The authoritative mode never leaves the server; clients only
// ever see ClientOwned or ClientReplicated.
func (s *Server) modeForConnection(obj scene.Object, connID uint32) scene.OwnershipMode {
	if obj.Owner() == connID {
		return scene.ModeClientOwned
	}
	return scene.ModeClientReplicated
}

func (s *Server) sendUpdateObjectsReliable(data *clientConnectionData) {
	var entries []protocol.ObjectDeltaEntry
	for slot := uint32(0); int(slot) < s.reg.SlotCount(); slot++ {
		if !data.mask.NeedReliable(slot) || !data.isReplicated.Get(slot) {
			data.mask.ResetReliable(slot)
			continue
		}
		span, ok := s.reliableSpanFor(slot)
		data.mask.ResetReliable(slot)
		if !ok {
			continue
		}
		entries = append(entries, protocol.ObjectDeltaEntry{
			ObjectID: s.slotID(slot),
			Payload:  s.deltaBuffer.Bytes()[span.start:span.end],
		})
	}
	if len(entries) == 0 {
		return
	}
	s.scratch.Reset()
	protocol.SaveObjectDeltas(s.scratch, entries)
	data.conn.SendReliable(protocol.Encode(protocol.MsgUpdateObjectsReliable, s.scratch))
}

func (s *Server) sendUpdateObjectsUnreliable(data *clientConnectionData) {
	var entries []protocol.ObjectDeltaEntry
	for slot := uint32(0); int(slot) < s.reg.SlotCount(); slot++ {
		if !data.mask.NeedUnreliable(slot) || !data.isReplicated.Get(slot) {
			data.mask.ResetUnreliable(slot)
			continue
		}
		span, ok := s.unreliableSpanFor(slot)
		data.mask.ResetUnreliable(slot)
		if !ok {
			continue
		}
		entries = append(entries, protocol.ObjectDeltaEntry{
			ObjectID: s.slotID(slot),
			Payload:  s.deltaBuffer.Bytes()[span.start:span.end],
		})
	}
	if len(entries) == 0 {
		return
	}
	s.scratch.Reset()
	protocol.SaveObjectDeltas(s.scratch, entries)
	data.conn.SendUnreliable(protocol.Encode(protocol.MsgUpdateObjectsUnreliable, s.scratch))
}

func (s *Server) slotID(slot uint32) uint32 {
	if obj := s.reg.AtSlot(slot); obj != nil {
		return uint32(obj.ID())
	}
	return 0
}

// reliableSpanFor serializes the object's structural delta once per tick
// into the shared buffer; every connection that needs it reuses the span.
func (s *Server) reliableSpanFor(slot uint32) (deltaSpan, bool) {
	for len(s.reliableSpans) <= int(slot) {
		s.reliableSpans = append(s.reliableSpans, deltaSpan{})
	}
	if s.reliableSpans[slot].serial == s.tickSerial {
		sp := s.reliableSpans[slot]
		return sp, sp.end > sp.start
	}
	sp := deltaSpan{serial: s.tickSerial}
	if obj := s.objectAtSlot(slot); obj != nil {
		sp.start = s.deltaBuffer.Len()
		if obj.WriteReliableDelta(s.deltaBuffer) {
			sp.end = s.deltaBuffer.Len()
		} else {
			sp.end = sp.start
		}
	}
	s.reliableSpans[slot] = sp
	return sp, sp.end > sp.start
}

func (s *Server) unreliableSpanFor(slot uint32) (deltaSpan, bool) {
	for len(s.unreliableSpans) <= int(slot) {
		s.unreliableSpans = append(s.unreliableSpans, deltaSpan{})
	}
	if s.unreliableSpans[slot].serial == s.tickSerial {
		sp := s.unreliableSpans[slot]
		return sp, sp.end > sp.start
	}
	sp := deltaSpan{serial: s.tickSerial}
	if obj := s.objectAtSlot(slot); obj != nil {
		sp.start = s.deltaBuffer.Len()
		obj.WriteUnreliableDelta(s.deltaBuffer)
		sp.end = s.deltaBuffer.Len()
	}
	s.unreliableSpans[slot] = sp
	return sp, sp.end > sp.start
}

func (s *Server) objectAtSlot(slot uint32) scene.Object {
	return s.reg.AtSlot(slot)
}

// onObjectDirty flags the dirty object's slot in every connection that
// currently replicates it. Connections that have not seen the object yet
// will receive its full snapshot with AddObjects instead.
func (s *Server) onObjectDirty(obj scene.Object) {
	slot := obj.ID().Slot()
	for _, data := range s.connections {
		if data.isReplicated.Get(slot) {
			data.mask.Set(slot)
		}
	}
}

// onObjectRemoved queues the removal for every connection that knew the
// object. The registry cascades over descendants before this returns, so
// a whole subtree lands in the same RemoveObjects batch.
func (s *Server) onObjectRemoved(obj scene.Object) {
	slot := obj.ID().Slot()
	for _, data := range s.connections {
		if data.isReplicated.Get(slot) {
			data.pendingRemove = append(data.pendingRemove, uint32(obj.ID()))
			data.forgetSlot(slot)
		}
	}
	s.invalidateSpans(slot)
}

func (s *Server) invalidateSpans(slot uint32) {
	if int(slot) < len(s.reliableSpans) {
		s.reliableSpans[slot] = deltaSpan{}
	}
	if int(slot) < len(s.unreliableSpans) {
		s.unreliableSpans[slot] = deltaSpan{}
	}
}

// ProcessMessage feeds one received frame into the manager. Malformed
// payloads and stale magics are dropped without touching the connection;
// the periodic schedules self-heal. The receive time is taken to be the
// current tick; transports that know a finer arrival time should use
// ProcessMessageAt so ping samples are not rounded up to frame boundaries.
func (s *Server) ProcessMessage(connID uint32, id protocol.MessageID, body []byte) {
	s.ProcessMessageAt(connID, id, body, s.clockSec)
}

// ProcessMessageAt is ProcessMessage with an explicit receive time on the
// same clock Update advances.
func (s *Server) ProcessMessageAt(connID uint32, id protocol.MessageID, body []byte, at float64) {
	data, ok := s.connections[connID]
	if !ok {
		return
	}
	r := protocol.NewReader(body)
	switch id {
	case protocol.MsgPingPong:
		var msg protocol.PingPongMsg
		msg.Load(r)
		if r.Err() != nil {
			return
		}
		data.pinger.CompletePongAt(msg.Magic, at)

	case protocol.MsgSynchronizeAck:
		var msg protocol.SynchronizeAckMsg
		msg.Load(r)
		if r.Err() != nil {
			return
		}
		s.processSynchronizeAck(data, msg)

	case protocol.MsgObjectsFeedbackUnreliable:
		var msg protocol.ObjectsFeedbackMsg
		msg.Load(r)
		if r.Err() != nil {
			return
		}
		s.processObjectsFeedback(data, msg)

	default:
		if s.log != nil {
			s.log.Printf("replica: unexpected message %v from connection %d", id, connID)
		}
	}
}

func (s *Server) processSynchronizeAck(data *clientConnectionData, msg protocol.SynchronizeAckMsg) {
	// Stale acks arrive after a resync was already triggered again;
	// they are expected noise, not errors.
	if data.pendingSyncMagic == 0 || msg.Magic != data.pendingSyncMagic {
		return
	}
	data.pendingSyncMagic = 0
	data.synchronized = true
	data.everSynchronized = true
	data.pinger.SetInterval(float64(s.settings.PingIntervalMs) / 1000)
	s.emit(Event{Frame: s.currentFrame, ConnectionID: data.conn.ID(), Kind: EventSynchronized, PingMs: data.pinger.PingMs()})
}

func (s *Server) processObjectsFeedback(data *clientConnectionData, msg protocol.ObjectsFeedbackMsg) {
	if data.hasFeedback && nettime.FrameDelta(msg.Frame, data.latestFeedbackFrame) <= 0 {
		return
	}
	data.hasFeedback = true
	data.latestFeedbackFrame = msg.Frame
	data.feedbackDelay.Push(float64(nettime.FrameDelta(s.currentFrame, msg.Frame)))
}

func (s *Server) newMagic() uint32 {
	for {
		if m := s.rng.Uint32(); m != 0 {
			return m
		}
	}
}

func (s *Server) emit(ev Event) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

// ServerTime returns the authoritative network time.
func (s *Server) ServerTime() nettime.Time {
	return nettime.New(s.currentFrame)
}

func (s *Server) CurrentFrame() uint32 {
	return s.currentFrame
}

// SetCurrentFrame warps the authoritative clock. Connections detect the
// jump on the next tick and are forced through a fresh handshake.
func (s *Server) SetCurrentFrame(frame uint32) {
	s.currentFrame = frame
}

// SetTestPing pins a connection's reported ping, for tests.
func (s *Server) SetTestPing(connID uint32, pingMs uint32) {
	if data, ok := s.connections[connID]; ok {
		data.pinger.SetOverride(float64(pingMs) / 1000)
	}
}

// FeedbackDelay returns the trimmed average client feedback delay in
// frames, for diagnostics.
func (s *Server) FeedbackDelay(connID uint32) float64 {
	data, ok := s.connections[connID]
	if !ok {
		return 0
	}
	avg, _ := data.feedbackDelay.Average()
	return avg
}

// IsSynchronized reports whether a connection has completed the handshake
// and is not currently mid-resync.
func (s *Server) IsSynchronized(connID uint32) bool {
	data, ok := s.connections[connID]
	return ok && data.synchronized
}

// DebugInfo renders per-connection state for logs and admin surfaces.
func (s *Server) DebugInfo() string {
	ids := make([]uint32, len(s.order))
	copy(ids, s.order)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "frame=%d connections=%d\n", s.currentFrame, len(ids))
	for _, id := range ids {
		data := s.connections[id]
		state := "unsynchronized"
		if data.synchronized {
			state = "synchronized"
		} else if data.pendingSyncMagic != 0 {
			state = "sync-pending"
		}
		fmt.Fprintf(&b, "  connection %d: %s ping=%dms\n", id, state, data.pinger.PingMs())
	}
	return b.String()
}
