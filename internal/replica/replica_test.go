package replica_test

import (
	"math"
	"math/rand"
	"testing"

	"framesync.io/internal/netsim"
	"framesync.io/internal/replica"
	"framesync.io/internal/scene"
)

type harness struct {
	server    *replica.Server
	serverReg *scene.Registry
	sim       *netsim.Simulator

	clients    []*replica.Client
	clientRegs []*scene.Registry
}

func newHarness(t *testing.T, seed int64, settings replica.Settings, numClients int, quality netsim.ConnectionQuality) *harness {
	t.Helper()
	h := &harness{serverReg: scene.NewRegistry()}
	h.server = replica.NewServer(h.serverReg, settings, rand.New(rand.NewSource(seed)), nil)
	h.sim = netsim.New(h.server, seed)

	for i := 0; i < numClients; i++ {
		link := h.sim.NewLink(uint32(i+1), quality)
		clientReg := scene.NewRegistry()
		client := replica.NewClient(link.ClientEnd(), clientReg, settings, nil, nil)
		link.AttachClient(client)
		h.server.AddConnection(link.ServerEnd())

		h.clients = append(h.clients, client)
		h.clientRegs = append(h.clientRegs, clientReg)
	}
	return h
}

var defaultQuality = netsim.ConnectionQuality{
	MinPing:   0.08,
	MaxPing:   0.12,
	SpikePing: 0.20,
	LossRate:  0.02,
	SpikeRate: 0.02,
}

var perfectQuality = netsim.ConnectionQuality{}

func TestTimeSynchronization(t *testing.T) {
	for seed := int64(0); seed < 3; seed++ {
		h := newHarness(t, seed, replica.DefaultSettings(), 1, defaultQuality)
		client := h.clients[0]

		// One second in, not enough confirmed pings yet.
		h.sim.SimulateTime(1.0)
		if client.IsSynchronized() {
			t.Fatalf("seed %d: synchronized after 1s", seed)
		}

		h.sim.SimulateTime(9.0)
		if !client.IsSynchronized() {
			t.Fatalf("seed %d: not synchronized after 10s", seed)
		}

		avgPingMs := (defaultQuality.MinPing + defaultQuality.MaxPing) / 2 * 1000
		if got := float64(client.PingMs()); math.Abs(got-avgPingMs) > 20 {
			t.Fatalf("seed %d: ping = %vms, want about %vms", seed, got, avgPingMs)
		}

		serverFrame := h.server.CurrentFrame()
		if serverFrame != 32*10 {
			t.Fatalf("seed %d: server frame = %d, want 320", seed, serverFrame)
		}
		if d := client.FrameDeltaRelativeTo(serverFrame); math.Abs(d) > 2 {
			t.Fatalf("seed %d: client frame off by %v", seed, d)
		}

		// More time: the estimate stays locked, with no fresh handshake.
		syncFrame := client.LastSynchronizationFrame()
		h.sim.SimulateTime(20.0)
		if d := client.FrameDeltaRelativeTo(h.server.CurrentFrame()); math.Abs(d) > 2 {
			t.Fatalf("seed %d: drifted to %v frames after 30s", seed, d)
		}
		if client.LastSynchronizationFrame() != syncFrame {
			t.Fatalf("seed %d: unexpected resynchronization", seed)
		}
	}
}

func TestTimeWarpForcesResynchronization(t *testing.T) {
	h := newHarness(t, 7, replica.DefaultSettings(), 1, defaultQuality)
	client := h.clients[0]

	h.sim.SimulateTime(12.0)
	if !client.IsSynchronized() {
		t.Fatalf("not synchronized before warp")
	}
	syncFrame1 := client.LastSynchronizationFrame()

	// Warp close to the 32-bit boundary.
	bigTime := uint32(math.MaxUint32) - 32*30
	h.server.SetCurrentFrame(bigTime)
	h.sim.SimulateTime(20.0)

	wantFrame := bigTime + 32*20
	if got := h.server.CurrentFrame(); got != wantFrame {
		t.Fatalf("server frame = %d, want %d", got, wantFrame)
	}
	if !client.IsSynchronized() {
		t.Fatalf("client never resynchronized after warp")
	}
	syncFrame2 := client.LastSynchronizationFrame()
	if syncFrame2 == syncFrame1 {
		t.Fatalf("warp did not trigger a fresh synchronization")
	}
	if d := client.FrameDeltaRelativeTo(wantFrame); math.Abs(d) > 2 {
		t.Fatalf("post-warp estimate off by %v frames (across wrap)", d)
	}

	// Let the counter wrap, then warp again: another fresh handshake.
	h.sim.SimulateTime(40.0)
	if d := client.FrameDeltaRelativeTo(h.server.CurrentFrame()); math.Abs(d) > 2 {
		t.Fatalf("estimate off by %v frames after wrap", d)
	}
	if client.LastSynchronizationFrame() != syncFrame2 {
		t.Fatalf("stable period triggered a resynchronization")
	}

	h.server.SetCurrentFrame(h.server.CurrentFrame() - 32)
	h.sim.SimulateTime(10.0)
	if client.LastSynchronizationFrame() == syncFrame2 {
		t.Fatalf("backward warp did not trigger a fresh synchronization")
	}
	if d := client.FrameDeltaRelativeTo(h.server.CurrentFrame()); math.Abs(d) > 2 {
		t.Fatalf("estimate off by %v frames after backward warp", d)
	}
}

func TestOwnershipConsistency(t *testing.T) {
	h := newHarness(t, 11, replica.DefaultSettings(), 3, defaultQuality)

	unowned := scene.NewDefaultObject()
	if unowned.Mode() != scene.ModeDraft {
		t.Fatalf("fresh object mode = %v, want Draft", unowned.Mode())
	}
	unownedID := h.serverReg.Attach(h.serverReg.Root().CreateChild("unowned"), unowned)

	ownedIDs := make([]scene.NetworkID, 3)
	for i := 0; i < 3; i++ {
		obj := scene.NewDefaultObject()
		obj.SetOwner(uint32(i + 1))
		ownedIDs[i] = h.serverReg.Attach(h.serverReg.Root().CreateChild("owned"), obj)
	}

	h.sim.SimulateTime(12.0)

	// The server is authoritative for everything.
	for _, obj := range h.serverReg.Objects() {
		if obj.Mode() != scene.ModeServer {
			t.Fatalf("server mode for %v = %v, want Server", obj.ID(), obj.Mode())
		}
	}

	for i, client := range h.clients {
		if got := client.OwnershipMode(unownedID); got != scene.ModeClientReplicated {
			t.Fatalf("client %d sees unowned object as %v", i, got)
		}
		for j, id := range ownedIDs {
			want := scene.ModeClientReplicated
			if j == i {
				want = scene.ModeClientOwned
			}
			if got := client.OwnershipMode(id); got != want {
				t.Fatalf("client %d sees object of client %d as %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestOwnershipTransferPropagates(t *testing.T) {
	h := newHarness(t, 13, replica.DefaultSettings(), 2, defaultQuality)

	obj := scene.NewDefaultObject()
	obj.SetOwner(1)
	id := h.serverReg.Attach(h.serverReg.Root().CreateChild("thing"), obj)

	h.sim.SimulateTime(12.0)
	if got := h.clients[0].OwnershipMode(id); got != scene.ModeClientOwned {
		t.Fatalf("initial owner view = %v", got)
	}

	obj.SetOwner(2)
	h.sim.SimulateTime(2.0)

	if got := h.clients[0].OwnershipMode(id); got != scene.ModeClientReplicated {
		t.Fatalf("old owner still sees %v after transfer", got)
	}
	if got := h.clients[1].OwnershipMode(id); got != scene.ModeClientOwned {
		t.Fatalf("new owner sees %v after transfer", got)
	}
}

func TestStructuralReplication_reparenting(t *testing.T) {
	h := newHarness(t, 17, replica.DefaultSettings(), 2, defaultQuality)

	anchorObj := scene.NewDefaultObject()
	anchorNode := h.serverReg.Root().CreateChild("anchor")
	anchorNode.SetLocalPosition(scene.Vector3{X: 10, Y: 1})
	anchorID := h.serverReg.Attach(anchorNode, anchorObj)

	movedObj := scene.NewDefaultObject()
	movedNode := h.serverReg.Root().CreateChild("moved")
	movedNode.SetLocalPosition(scene.Vector3{X: 3, Z: -2})
	movedID := h.serverReg.Attach(movedNode, movedObj)

	h.sim.SimulateTime(12.0)

	worldBefore := movedNode.WorldPosition()
	movedNode.SetParent(anchorNode)
	h.sim.SimulateTime(2.0)

	for i, reg := range h.clientRegs {
		moved := reg.Get(movedID)
		anchor := reg.Get(anchorID)
		if moved == nil || anchor == nil {
			t.Fatalf("client %d missing objects", i)
		}
		if moved.Node().Parent() != anchor.Node() {
			t.Fatalf("client %d: parent linkage not replicated", i)
		}
		if !moved.Node().WorldPosition().NearlyEqual(worldBefore, 1e-3) {
			t.Fatalf("client %d: world position changed on reparent: %+v vs %+v",
				i, moved.Node().WorldPosition(), worldBefore)
		}
	}
}

func TestRemovalCascade(t *testing.T) {
	h := newHarness(t, 19, replica.DefaultSettings(), 2, defaultQuality)

	parentObj := scene.NewDefaultObject()
	parentNode := h.serverReg.Root().CreateChild("parent")
	parentID := h.serverReg.Attach(parentNode, parentObj)

	childObj := scene.NewDefaultObject()
	childID := h.serverReg.Attach(parentNode.CreateChild("child"), childObj)

	siblingObj := scene.NewDefaultObject()
	siblingID := h.serverReg.Attach(h.serverReg.Root().CreateChild("sibling"), siblingObj)

	h.sim.SimulateTime(12.0)
	for i, reg := range h.clientRegs {
		if reg.Get(parentID) == nil || reg.Get(childID) == nil || reg.Get(siblingID) == nil {
			t.Fatalf("client %d did not receive the full scene", i)
		}
	}

	h.serverReg.Remove(parentObj)
	h.sim.SimulateTime(2.0)

	for i, reg := range h.clientRegs {
		if reg.Get(parentID) != nil {
			t.Fatalf("client %d still has the removed parent", i)
		}
		if reg.Get(childID) != nil {
			t.Fatalf("client %d still has the removed descendant", i)
		}
		if reg.Get(siblingID) == nil {
			t.Fatalf("client %d lost an unrelated object", i)
		}
	}
}

func TestRelevanceTimeout(t *testing.T) {
	settings := replica.DefaultSettings()
	settings.RelevanceTimeoutSec = 0.5
	h := newHarness(t, 23, settings, 2, defaultQuality)

	relevantTo1 := true
	obj := scene.NewDefaultObject()
	obj.Relevance = func(connID uint32) bool {
		if connID == 1 {
			return relevantTo1
		}
		return true
	}
	id := h.serverReg.Attach(h.serverReg.Root().CreateChild("flicker"), obj)

	h.sim.SimulateTime(12.0)
	if h.clientRegs[0].Get(id) == nil || h.clientRegs[1].Get(id) == nil {
		t.Fatalf("object not replicated while relevant")
	}

	relevantTo1 = false
	// Inside the grace period the object survives.
	h.sim.SimulateTime(0.25)
	if h.clientRegs[0].Get(id) == nil {
		t.Fatalf("object dropped before the relevance timeout")
	}

	h.sim.SimulateTime(2.0)
	if h.clientRegs[0].Get(id) != nil {
		t.Fatalf("object not dropped after the relevance timeout")
	}
	if h.clientRegs[1].Get(id) == nil {
		t.Fatalf("relevance timeout leaked to another connection")
	}

	// Back in interest: replicated again.
	relevantTo1 = true
	h.sim.SimulateTime(2.0)
	if h.clientRegs[0].Get(id) == nil {
		t.Fatalf("object not re-added when relevant again")
	}
}

func TestTemporalSampling(t *testing.T) {
	h := newHarness(t, 29, replica.DefaultSettings(), 1, perfectQuality)

	obj := scene.NewDefaultObject()
	node := h.serverReg.Root().CreateChild("mover")
	id := h.serverReg.Attach(node, obj)

	h.sim.SimulateTime(12.0)

	// Constant velocity along X: one tenth of a unit per frame.
	for i := 0; i < 64; i++ {
		frame := h.server.CurrentFrame()
		node.SetLocalPosition(scene.Vector3{X: 0.1 * float64(frame)})
		h.sim.SimulateTime(netsim.TimeStep)
	}

	client := h.clients[0]
	mirror, ok := h.clientRegs[0].Get(id).(*scene.DefaultObject)
	if !ok {
		t.Fatalf("client object missing")
	}

	// Sample a quarter second behind the estimate, well inside the
	// received snapshot window.
	at := client.ServerTime().Add(-8)
	pos, ok := mirror.TemporalWorldPosition(at)
	if !ok {
		t.Fatalf("no temporal samples")
	}
	want := 0.1 * float64(at.Frame())
	if math.Abs(pos.X-want) > 0.5 {
		t.Fatalf("temporal sample at %v = %v, want about %v", at, pos.X, want)
	}

	// Later sample times never move backwards.
	pos2, _ := mirror.TemporalWorldPosition(at.Add(4))
	if pos2.X < pos.X {
		t.Fatalf("temporal trajectory moved backwards: %v then %v", pos.X, pos2.X)
	}
}

func TestPrefabInstantiatedOnClient(t *testing.T) {
	serverReg := scene.NewRegistry()
	server := replica.NewServer(serverReg, replica.DefaultSettings(), rand.New(rand.NewSource(41)), nil)
	sim := netsim.New(server, 41)

	link := sim.NewLink(1, defaultQuality)
	clientReg := scene.NewRegistry()
	prefabs := map[string]replica.PrefabBuilder{
		"turret": func(node *scene.Node) { node.CreateChild("barrel") },
	}
	client := replica.NewClient(link.ClientEnd(), clientReg, replica.DefaultSettings(), prefabs, nil)
	link.AttachClient(client)
	server.AddConnection(link.ServerEnd())

	node := serverReg.Root().CreateChild("turret")
	node.SetLocalPosition(scene.Vector3{X: 5, Y: 1, Z: -2})
	id := serverReg.Attach(node, scene.NewPrefabObject("turret"))

	sim.SimulateTime(12.0)

	mirror := clientReg.Get(id)
	if mirror == nil {
		t.Fatalf("prefab object not replicated")
	}
	if mirror.Prefab() != "turret" {
		t.Fatalf("prefab name = %q, want turret", mirror.Prefab())
	}
	if mirror.Node().FindChild("barrel") == nil {
		t.Fatalf("prefab subtree not built on the client")
	}
	if !mirror.Node().LocalPosition().NearlyEqual(scene.Vector3{X: 5, Y: 1, Z: -2}, 1e-3) {
		t.Fatalf("snapshot transform not applied: %+v", mirror.Node().LocalPosition())
	}
}

func TestFeedbackDelayTracking(t *testing.T) {
	h := newHarness(t, 31, replica.DefaultSettings(), 1, perfectQuality)
	client := h.clients[0]

	h.sim.SimulateTime(12.0)
	if !client.IsSynchronized() {
		t.Fatalf("not synchronized")
	}

	for i := 0; i < 10; i++ {
		client.SendFeedback(0, 4, []byte{1, 2, 3, 4})
		h.sim.SimulateTime(0.25)
	}

	// With a perfect link the feedback delay is a frame or two of
	// scheduling, not more.
	if d := h.server.FeedbackDelay(1); d < 0 || d > 4 {
		t.Fatalf("feedback delay = %v frames", d)
	}
}

func TestConnectionRemovalIsIsolated(t *testing.T) {
	h := newHarness(t, 37, replica.DefaultSettings(), 2, defaultQuality)

	obj := scene.NewDefaultObject()
	id := h.serverReg.Attach(h.serverReg.Root().CreateChild("thing"), obj)

	h.sim.SimulateTime(12.0)
	if h.clientRegs[0].Get(id) == nil || h.clientRegs[1].Get(id) == nil {
		t.Fatalf("object not replicated to both clients")
	}

	h.server.RemoveConnection(1)
	// The surviving connection keeps replicating.
	node := obj.Node()
	node.SetLocalPosition(scene.Vector3{X: 42})
	h.sim.SimulateTime(2.0)

	if !h.server.IsSynchronized(2) {
		t.Fatalf("unrelated connection lost synchronization")
	}
	mirror := h.clientRegs[1].Get(id)
	if mirror == nil {
		t.Fatalf("object vanished from the surviving client")
	}
	if math.Abs(mirror.Node().LocalPosition().X-42) > 1e-3 {
		t.Fatalf("updates stopped for the surviving client: %+v", mirror.Node().LocalPosition())
	}
}
