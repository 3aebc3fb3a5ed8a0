package protocol

import "fmt"

// PingPong (both directions, reliable). The server sends a ping with a
// random non-zero magic; the peer echoes the same magic back.
type PingPongMsg struct {
	Magic uint32
}

func (m PingPongMsg) Save(w *Writer) {
	w.WriteU32(m.Magic)
}

func (m *PingPongMsg) Load(r *Reader) {
	m.Magic = r.ReadU32()
}

func (m PingPongMsg) String() string {
	return fmt.Sprintf("{magic: %08x}", m.Magic)
}

// Synchronize (server -> client, reliable). Seeds the client clock and the
// clock-sample window configuration; answered by SynchronizeAck with the
// same magic.
type SynchronizeMsg struct {
	Magic uint32

	ConnectionID    uint32
	UpdateFrequency uint32

	NumTrimmedClockSamples uint32
	NumOngoingClockSamples uint32

	LastFrame uint32
	PingMs    uint32
}

func (m SynchronizeMsg) Save(w *Writer) {
	w.WriteU32(m.Magic)
	w.WriteU32(m.ConnectionID)
	w.WriteU32(m.UpdateFrequency)
	w.WriteU32(m.NumTrimmedClockSamples)
	w.WriteU32(m.NumOngoingClockSamples)
	w.WriteU32(m.LastFrame)
	w.WriteU32(m.PingMs)
}

func (m *SynchronizeMsg) Load(r *Reader) {
	m.Magic = r.ReadU32()
	m.ConnectionID = r.ReadU32()
	m.UpdateFrequency = r.ReadU32()
	m.NumTrimmedClockSamples = r.ReadU32()
	m.NumOngoingClockSamples = r.ReadU32()
	m.LastFrame = r.ReadU32()
	m.PingMs = r.ReadU32()
}

func (m SynchronizeMsg) String() string {
	return fmt.Sprintf("{magic: %08x, connection: %d, frame: %d, ping: %d}",
		m.Magic, m.ConnectionID, m.LastFrame, m.PingMs)
}

// SynchronizeAck (client -> server, reliable).
type SynchronizeAckMsg struct {
	Magic uint32
}

func (m SynchronizeAckMsg) Save(w *Writer) {
	w.WriteU32(m.Magic)
}

func (m *SynchronizeAckMsg) Load(r *Reader) {
	m.Magic = r.ReadU32()
}

func (m SynchronizeAckMsg) String() string {
	return fmt.Sprintf("{magic: %08x}", m.Magic)
}

// Clock (server -> client, unreliable). Lets a synchronized client detect
// and correct small drift without a full handshake.
type ClockMsg struct {
	LastFrame uint32
	PingMs    uint32
}

func (m ClockMsg) Save(w *Writer) {
	w.WriteU32(m.LastFrame)
	w.WriteU32(m.PingMs)
}

func (m *ClockMsg) Load(r *Reader) {
	m.LastFrame = r.ReadU32()
	m.PingMs = r.ReadU32()
}

func (m ClockMsg) String() string {
	return fmt.Sprintf("{frame: %d, ping: %d}", m.LastFrame, m.PingMs)
}

// AddObjectEntry is one object in an AddObjects batch (server -> client,
// reliable): identity, how this client should perceive ownership, the
// prefab to instantiate before deltas arrive, and the initial snapshot.
type AddObjectEntry struct {
	ObjectID uint32
	ParentID uint32
	Mode     uint8
	Prefab   string
	Snapshot []byte
}

// ObjectDeltaEntry is one object in an UpdateObjectsReliable or
// UpdateObjectsUnreliable batch.
type ObjectDeltaEntry struct {
	ObjectID uint32
	Payload  []byte
}

// SaveAddObjects encodes an AddObjects batch.
func SaveAddObjects(w *Writer, entries []AddObjectEntry) {
	w.WriteU16(uint16(len(entries)))
	for _, e := range entries {
		w.WriteU32(e.ObjectID)
		w.WriteU32(e.ParentID)
		w.WriteU8(e.Mode)
		w.WriteString(e.Prefab)
		w.WriteBytes(e.Snapshot)
	}
}

// LoadAddObjects decodes an AddObjects batch.
func LoadAddObjects(r *Reader) []AddObjectEntry {
	n := int(r.ReadU16())
	entries := make([]AddObjectEntry, 0, n)
	for i := 0; i < n; i++ {
		var e AddObjectEntry
		e.ObjectID = r.ReadU32()
		e.ParentID = r.ReadU32()
		e.Mode = r.ReadU8()
		e.Prefab = r.ReadString()
		e.Snapshot = r.ReadBytes()
		if r.Err() != nil {
			return nil
		}
		entries = append(entries, e)
	}
	return entries
}

// SaveRemoveObjects encodes a RemoveObjects batch (server -> client,
// reliable): the ids to detach and destroy.
func SaveRemoveObjects(w *Writer, ids []uint32) {
	w.WriteU16(uint16(len(ids)))
	for _, id := range ids {
		w.WriteU32(id)
	}
}

// LoadRemoveObjects decodes a RemoveObjects batch.
func LoadRemoveObjects(r *Reader) []uint32 {
	n := int(r.ReadU16())
	ids := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, r.ReadU32())
	}
	if r.Err() != nil {
		return nil
	}
	return ids
}

// SaveObjectDeltas encodes an update batch for either channel.
func SaveObjectDeltas(w *Writer, entries []ObjectDeltaEntry) {
	w.WriteU16(uint16(len(entries)))
	for _, e := range entries {
		w.WriteU32(e.ObjectID)
		w.WriteBytes(e.Payload)
	}
}

// LoadObjectDeltas decodes an update batch.
func LoadObjectDeltas(r *Reader) []ObjectDeltaEntry {
	n := int(r.ReadU16())
	entries := make([]ObjectDeltaEntry, 0, n)
	for i := 0; i < n; i++ {
		var e ObjectDeltaEntry
		e.ObjectID = r.ReadU32()
		e.Payload = r.ReadBytes()
		if r.Err() != nil {
			return nil
		}
		entries = append(entries, e)
	}
	return entries
}

// ObjectsFeedbackMsg (client -> server, unreliable). References a buffered
// client observation by offset and size, stamped with the client's
// estimated server time. The sub-frame fraction travels as 16-bit fixed
// point.
type ObjectsFeedbackMsg struct {
	Frame    uint32
	Fraction uint16
	Offset   uint32
	Size     uint32
	Payload  []byte
}

func (m ObjectsFeedbackMsg) Save(w *Writer) {
	w.WriteU32(m.Frame)
	w.WriteU16(m.Fraction)
	w.WriteU32(m.Offset)
	w.WriteU32(m.Size)
	w.WriteBytes(m.Payload)
}

func (m *ObjectsFeedbackMsg) Load(r *Reader) {
	m.Frame = r.ReadU32()
	m.Fraction = r.ReadU16()
	m.Offset = r.ReadU32()
	m.Size = r.ReadU32()
	m.Payload = r.ReadBytes()
}

// FractionToFixed converts a [0,1) fraction to the wire's 16-bit fixed
// point form.
func FractionToFixed(fraction float64) uint16 {
	return uint16(fraction * 65536)
}

// FixedToFraction is the inverse of FractionToFixed.
func FixedToFraction(fixed uint16) float64 {
	return float64(fixed) / 65536
}

// Encode frames a message body with its id for the transport.
func Encode(id MessageID, body *Writer) []byte {
	out := make([]byte, 0, 1+body.Len())
	out = append(out, byte(id))
	out = append(out, body.Bytes()...)
	return out
}

// Decode splits a framed message into id and body.
func Decode(frame []byte) (MessageID, []byte, error) {
	if len(frame) < 1 {
		return 0, nil, ErrTruncated
	}
	return MessageID(frame[0]), frame[1:], nil
}
