// Package netsim is a deterministic network simulator for exercising the
// replication engine under adversarial conditions: configurable latency,
// jitter, spikes, loss and reordering, all driven by a seeded RNG and a
// fixed tick rate. The demo binaries use it for loopback mode and the
// scenario tests build on it.
package netsim

import (
	"math/rand"
	"sort"

	"framesync.io/internal/protocol"
	"framesync.io/internal/replica"
)

// FramesPerSecond is the simulated network tick rate.
const FramesPerSecond = 32

// TimeStep is the simulated duration of one tick in seconds.
const TimeStep = 1.0 / FramesPerSecond

// ConnectionQuality describes one client's link. Ping bounds are round
// trip; each message independently draws half of a uniform sample from
// [MinPing, MaxPing], occasionally spiking to SpikePing. Loss and
// reordering apply to the unreliable channel only.
type ConnectionQuality struct {
	MinPing   float64
	MaxPing   float64
	SpikePing float64
	LossRate  float64
	SpikeRate float64
}

type message struct {
	due      float64
	seq      uint64
	frame    []byte
	toServer bool
	link     *Link
}

// Simulator steps a server manager and any number of client managers in
// lockstep, delivering in-flight messages when their simulated latency
// elapses.
type Simulator struct {
	rng    *rand.Rand
	server *replica.Server

	links []*Link

	now     float64
	seq     uint64
	inboxes []message

	// sendBase is the simulated instant sends are timed from. It is the
	// tick time, except while dispatching a delivered message, when it is
	// that message's arrival time: a pong echoed from inside a handler is
	// in flight from the moment the ping arrived, not from the next tick
	// boundary.
	sendBase    float64
	dispatching bool
}

func New(server *replica.Server, seed int64) *Simulator {
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		server: server,
	}
}

// Link is one simulated client connection: two directed channels with the
// same quality profile.
type Link struct {
	sim     *Simulator
	connID  uint32
	quality ConnectionQuality
	client  *replica.Client

	lastReliableToServer float64
	lastReliableToClient float64
}

// NewLink creates a link with the given connection id and quality. Give
// ServerEnd to Server.AddConnection, ClientEnd to replica.NewClient, then
// register the client with AttachClient.
func (s *Simulator) NewLink(connID uint32, quality ConnectionQuality) *Link {
	l := &Link{sim: s, connID: connID, quality: quality}
	s.links = append(s.links, l)
	return l
}

func (l *Link) AttachClient(client *replica.Client) {
	l.client = client
}

// ServerEnd returns the server-held connection capability: sends travel
// toward the client.
func (l *Link) ServerEnd() replica.Connection {
	return &endpoint{link: l, toServer: false}
}

// ClientEnd returns the client-held connection capability: sends travel
// toward the server.
func (l *Link) ClientEnd() replica.Connection {
	return &endpoint{link: l, toServer: true}
}

type endpoint struct {
	link     *Link
	toServer bool
}

func (e *endpoint) ID() uint32 {
	return e.link.connID
}

func (e *endpoint) SendReliable(frame []byte) {
	e.link.send(frame, e.toServer, true)
}

func (e *endpoint) SendUnreliable(frame []byte) {
	e.link.send(frame, e.toServer, false)
}

func (l *Link) send(frame []byte, toServer, reliable bool) {
	s := l.sim
	q := l.quality

	if !reliable && s.rng.Float64() < q.LossRate {
		return
	}

	ping := q.MinPing + s.rng.Float64()*(q.MaxPing-q.MinPing)
	if q.SpikeRate > 0 && s.rng.Float64() < q.SpikeRate {
		ping = q.SpikePing
	}
	base := s.now
	if s.dispatching {
		base = s.sendBase
	}
	due := base + ping/2

	if reliable {
		// The reliable channel delivers in order: a message never
		// overtakes its predecessor.
		last := &l.lastReliableToClient
		if toServer {
			last = &l.lastReliableToServer
		}
		if due < *last {
			due = *last
		}
		*last = due
	}

	s.seq++
	s.inboxes = append(s.inboxes, message{
		due:      due,
		seq:      s.seq,
		frame:    append([]byte(nil), frame...),
		toServer: toServer,
		link:     l,
	})
}

// SimulateTime advances the simulation by seconds, rounded to whole ticks.
func (s *Simulator) SimulateTime(seconds float64) {
	steps := int(seconds*FramesPerSecond + 0.5)
	for i := 0; i < steps; i++ {
		s.step()
	}
}

func (s *Simulator) step() {
	s.now += TimeStep

	s.server.Update(TimeStep)
	for _, l := range s.links {
		if l.client != nil {
			l.client.Update(TimeStep)
		}
	}
	s.deliverDue()
}

func (s *Simulator) deliverDue() {
	var due, later []message
	for _, m := range s.inboxes {
		if m.due <= s.now {
			due = append(due, m)
		} else {
			later = append(later, m)
		}
	}
	s.inboxes = later

	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})

	for _, m := range due {
		id, body, err := protocol.Decode(m.frame)
		if err != nil {
			continue
		}
		s.dispatching = true
		s.sendBase = m.due
		if m.toServer {
			s.server.ProcessMessageAt(m.link.connID, id, body, m.due)
		} else if m.link.client != nil {
			m.link.client.ProcessMessage(id, body)
		}
		s.dispatching = false
	}
}

// Now returns the current simulated time in seconds.
func (s *Simulator) Now() float64 {
	return s.now
}
