package replica

const (
	reliableDelta   uint8 = 1 << 0
	unreliableDelta uint8 = 1 << 1
)

// DeltaUpdateMask tracks, per scene slot, whether one connection still
// needs a reliable and/or an unreliable delta for the object in that slot.
// Both bits are set when the object is marked dirty; each bit is cleared
// independently once the corresponding delta is appended to an outgoing
// message, because the two channels flush on their own schedules.
type DeltaUpdateMask struct {
	mask []uint8
}

// Resize grows the mask to cover n slots, preserving existing bits.
func (m *DeltaUpdateMask) Resize(n int) {
	for len(m.mask) < n {
		m.mask = append(m.mask, 0)
	}
}

func (m *DeltaUpdateMask) Set(slot uint32) {
	m.Resize(int(slot) + 1)
	m.mask[slot] = reliableDelta | unreliableDelta
}

func (m *DeltaUpdateMask) Clear(slot uint32) {
	if int(slot) < len(m.mask) {
		m.mask[slot] = 0
	}
}

func (m *DeltaUpdateMask) ResetReliable(slot uint32) {
	if int(slot) < len(m.mask) {
		m.mask[slot] &^= reliableDelta
	}
}

func (m *DeltaUpdateMask) ResetUnreliable(slot uint32) {
	if int(slot) < len(m.mask) {
		m.mask[slot] &^= unreliableDelta
	}
}

func (m *DeltaUpdateMask) NeedAny(slot uint32) bool {
	return int(slot) < len(m.mask) && m.mask[slot] != 0
}

func (m *DeltaUpdateMask) NeedReliable(slot uint32) bool {
	return int(slot) < len(m.mask) && m.mask[slot]&reliableDelta != 0
}

func (m *DeltaUpdateMask) NeedUnreliable(slot uint32) bool {
	return int(slot) < len(m.mask) && m.mask[slot]&unreliableDelta != 0
}

// bitVector is a growable bitset indexed by scene slot; it backs the
// per-connection "is this object replicated here" bookkeeping.
type bitVector struct {
	words []uint64
}

func (b *bitVector) Set(i uint32, v bool) {
	word := int(i / 64)
	for len(b.words) <= word {
		b.words = append(b.words, 0)
	}
	if v {
		b.words[word] |= 1 << (i % 64)
	} else {
		b.words[word] &^= 1 << (i % 64)
	}
}

func (b *bitVector) Get(i uint32) bool {
	word := int(i / 64)
	return word < len(b.words) && b.words[word]&(1<<(i%64)) != 0
}
