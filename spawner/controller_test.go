package spawner

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/nexus/metrics"
	"github.com/lcx/nexus/net"
)

// fakeSender records packets addressed to peers.
type fakeSender struct {
	mu   sync.Mutex
	sent map[uint64][]*net.SendPkg
	fail bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[uint64][]*net.SendPkg)}
}

func (f *fakeSender) SendTo(peerID uint64, pkg *net.SendPkg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent[peerID] = append(f.sent[peerID], pkg)
	return nil
}

func (f *fakeSender) sentTo(peerID uint64) []*net.SendPkg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*net.SendPkg(nil), f.sent[peerID]...)
}

type testRig struct {
	ctrl   *Controller
	sender *fakeSender
	clk    *clock.Mock
	reg    *net.MessageRegistry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	sender := newFakeSender()
	clk := clock.NewMock()
	ctrl, err := NewController(&Config{TaskTimeoutSec: 10, SweepIntervalMS: 100, ArchiveSize: 8},
		NewRegistry(), sender, clk, nil)
	require.NoError(t, err)

	reg := net.NewMessageRegistry()
	ctrl.RegisterMessages(reg)
	return &testRig{ctrl: ctrl, sender: sender, clk: clk, reg: reg}
}

// deliver runs one packet through the registered handler and returns the
// response packet, if any.
func (r *testRig) deliver(t *testing.T, srcPeer uint64, msgID string, body any) *net.SendPkg {
	t.Helper()
	info, ok := r.reg.GetInfo(msgID)
	require.True(t, ok, "message %s not registered", msgID)

	var res *net.SendPkg
	dd := &net.DispatcherDelivery{
		TransportDelivery: &net.TransportDelivery{
			TransSendBack: func(pkg *net.SendPkg) error {
				res = pkg
				return nil
			},
			Pkg:    net.NewRecvPkgWithBody(&net.PacketHead{MsgID: msgID, SeqID: 1, SrcPeerID: srcPeer}, body),
			PeerID: srcPeer,
			Disconnect: func(string) {},
		},
		Info: info,
	}
	require.NoError(t, info.Handler(dd))
	return res
}

func (r *testRig) registerSpawner(t *testing.T, peerID uint64, region string, max int32) uint32 {
	t.Helper()
	res := r.deliver(t, peerID, MsgSpawnerRegister, &SpawnerRegisterReq{
		Address: "10.0.0.1:7000", Region: region, MaxProcesses: max,
	})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	return res.Body.(*SpawnerRegisterRes).SpawnerID
}

func TestSpawnLifecycle(t *testing.T) {
	r := newTestRig(t)
	spawnerID := r.registerSpawner(t, 10, "eu", 1)

	// First request succeeds and the spawner receives the assignment.
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{Options: Options{OptionRegion: "eu"}})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	assigns := r.sender.sentTo(10)
	require.Len(t, assigns, 1)
	assign := assigns[0].Body.(*SpawnAssignNtf)
	assert.Equal(t, taskID, assign.SpawnTaskID)
	assert.NotEmpty(t, assign.SpawnCode)

	// Second request has no capacity left.
	res = r.deliver(t, 21, MsgSpawnRequest, &SpawnReq{})
	assert.Equal(t, net.RetNoSpawnerAvailable, res.Head.RetCode)

	// Spawner walks the task forward.
	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "assigned"})
	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "processStarted", ProcessID: 4321})

	// The launched process authenticates with the spawn code.
	res = r.deliver(t, 30, MsgRegisterProcess, &RegisterProcessReq{SpawnTaskID: taskID, SpawnCode: assign.SpawnCode})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	assert.Equal(t, "eu", res.Body.(*RegisterProcessRes).Options.Get(OptionRegion))

	// Load is still held at Registered.
	assert.Equal(t, int32(1), r.ctrl.Registry().Load(spawnerID))

	res = r.deliver(t, 30, MsgFinalize, &FinalizeReq{SpawnTaskID: taskID, FinalOptions: Options{OptionSceneName: "arena"}})
	require.Equal(t, net.RetOK, res.Head.RetCode)

	task, ok := r.ctrl.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusFinalized, task.Status())
	assert.Equal(t, "arena", task.FinalOptions().Get(OptionSceneName))
	assert.Equal(t, int32(0), r.ctrl.Registry().Load(spawnerID))
	assert.Equal(t, 0, r.ctrl.LiveTaskCount())
}

func TestSpawnRequestNoSpawner(t *testing.T) {
	r := newTestRig(t)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	assert.Equal(t, net.RetNoSpawnerAvailable, res.Head.RetCode)
}

func TestRegisterProcessWrongCode(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	var disconnected string
	info, _ := r.reg.GetInfo(MsgRegisterProcess)
	var out *net.SendPkg
	dd := &net.DispatcherDelivery{
		TransportDelivery: &net.TransportDelivery{
			TransSendBack: func(pkg *net.SendPkg) error { out = pkg; return nil },
			Pkg: net.NewRecvPkgWithBody(&net.PacketHead{MsgID: MsgRegisterProcess, SeqID: 2},
				&RegisterProcessReq{SpawnTaskID: taskID, SpawnCode: "forged"}),
			Disconnect: func(reason string) { disconnected = reason },
		},
		Info: info,
	}
	require.NoError(t, info.Handler(dd))
	require.NotNil(t, out)
	assert.Equal(t, net.RetSpawnCodeMismatch, out.Head.RetCode)
	assert.Equal(t, "spawn code mismatch", disconnected)

	// No RegisteredRoom path: the task is untouched and the real code still works.
	task, _ := r.ctrl.Task(taskID)
	assert.Equal(t, StatusQueued, task.Status())
}

func TestAbortBeforeStart(t *testing.T) {
	r := newTestRig(t)
	spawnerID := r.registerSpawner(t, 10, "", 2)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID
	require.Equal(t, int32(1), r.ctrl.Registry().Load(spawnerID))

	res = r.deliver(t, 20, MsgAbort, &AbortReq{SpawnTaskID: taskID})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	assert.Equal(t, "aborted", res.Body.(*AbortRes).Status)
	assert.Equal(t, int32(0), r.ctrl.Registry().Load(spawnerID))

	// No process was started, so no kill request went to the spawner.
	for _, pkg := range r.sender.sentTo(10) {
		assert.NotEqual(t, MsgKillProcess, pkg.Head.MsgID)
	}
}

func TestAbortAfterFinalizeDiscarded(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "assigned"})
	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "processStarted"})
	task, _ := r.ctrl.Task(taskID)
	code := task.SpawnCode()
	r.deliver(t, 30, MsgRegisterProcess, &RegisterProcessReq{SpawnTaskID: taskID, SpawnCode: code})
	r.deliver(t, 30, MsgFinalize, &FinalizeReq{SpawnTaskID: taskID})

	res = r.deliver(t, 20, MsgAbort, &AbortReq{SpawnTaskID: taskID})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	assert.Equal(t, "finalized", res.Body.(*AbortRes).Status)
}

func TestTimeoutSweepReleasesLoadAndKills(t *testing.T) {
	r := newTestRig(t)
	spawnerID := r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "assigned"})
	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "processStarted", ProcessID: 77})

	r.clk.Add(11 * time.Second)
	assert.Equal(t, 1, r.ctrl.SweepExpired())

	task, _ := r.ctrl.Task(taskID)
	assert.Equal(t, StatusTimedOut, task.Status())
	assert.Equal(t, int32(0), r.ctrl.Registry().Load(spawnerID))

	// The spawner got a best-effort kill for the launched process.
	var killed *KillProcessNtf
	for _, pkg := range r.sender.sentTo(10) {
		if pkg.Head.MsgID == MsgKillProcess {
			killed = pkg.Body.(*KillProcessNtf)
		}
	}
	require.NotNil(t, killed)
	assert.Equal(t, 77, killed.ProcessID)

	// The requester was told about the failure.
	var notified bool
	for _, pkg := range r.sender.sentTo(20) {
		if pkg.Head.MsgID == MsgSpawnStatus {
			assert.Equal(t, "timedOut", pkg.Body.(*SpawnStatusNtf).Status)
			notified = true
		}
	}
	assert.True(t, notified)

	// A second sweep finds nothing.
	r.clk.Add(11 * time.Second)
	assert.Equal(t, 0, r.ctrl.SweepExpired())
}

func TestAssignmentUndeliverableReleasesLoad(t *testing.T) {
	r := newTestRig(t)
	spawnerID := r.registerSpawner(t, 10, "", 1)
	r.sender.fail = true

	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	assert.Equal(t, net.RetNoSpawnerAvailable, res.Head.RetCode)
	assert.Equal(t, int32(0), r.ctrl.Registry().Load(spawnerID))
}

func TestSpawnRequestPinnedSpawner(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "eu", 2)
	wantedID := r.registerSpawner(t, 11, "us", 1)

	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{SpawnerID: wantedID})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	assert.Equal(t, int32(1), r.ctrl.Registry().Load(wantedID))
	assert.Len(t, r.sender.sentTo(11), 1)

	// The pinned spawner is full now; pinning again fails even though the
	// other spawner has capacity.
	res = r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{SpawnerID: wantedID})
	assert.Equal(t, net.RetNoSpawnerAvailable, res.Head.RetCode)
}

func TestRequesterDisconnectAbortsTask(t *testing.T) {
	r := newTestRig(t)
	spawnerID := r.registerSpawner(t, 10, "", 1)

	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	r.ctrl.OnPeerDisconnected(20)

	task, ok := r.ctrl.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, task.Status())
	assert.Equal(t, int32(0), r.ctrl.Registry().Load(spawnerID))
	assert.Equal(t, 0, r.ctrl.LiveTaskCount())
}

func TestSpawnerDisconnectAbortsItsTasks(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 2)

	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	r.ctrl.OnPeerDisconnected(10)

	assert.Equal(t, 0, r.ctrl.Registry().Count())
	task, ok := r.ctrl.Task(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, task.Status())

	// The requester learned the task died.
	var notified bool
	for _, pkg := range r.sender.sentTo(20) {
		if pkg.Head.MsgID == MsgSpawnStatus {
			notified = true
		}
	}
	assert.True(t, notified)
}

func TestRegisterProcessBeforeStatusReports(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID
	assign := r.sender.sentTo(10)[0].Body.(*SpawnAssignNtf)

	// The launched process can beat the spawner's own status reports to the
	// master; its registration must still land with the one-time code.
	res = r.deliver(t, 30, MsgRegisterProcess, &RegisterProcessReq{SpawnTaskID: taskID, SpawnCode: assign.SpawnCode})
	require.Equal(t, net.RetOK, res.Head.RetCode)

	task, _ := r.ctrl.Task(taskID)
	assert.Equal(t, StatusRegistered, task.Status())
}

func TestAbortFromStrangerRefused(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	res = r.deliver(t, 99, MsgAbort, &AbortReq{SpawnTaskID: taskID})
	require.Equal(t, net.RetUnauthorized, res.Head.RetCode)
	task, _ := r.ctrl.Task(taskID)
	assert.Equal(t, StatusQueued, task.Status())

	// The requester itself still may.
	res = r.deliver(t, 20, MsgAbort, &AbortReq{SpawnTaskID: taskID})
	assert.Equal(t, net.RetOK, res.Head.RetCode)
}

func TestStatusFromNonSpawnerIgnored(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID

	r.deliver(t, 99, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "aborted"})
	task, _ := r.ctrl.Task(taskID)
	assert.Equal(t, StatusQueued, task.Status())

	r.deliver(t, 10, MsgSpawnStatus, &SpawnStatusNtf{SpawnTaskID: taskID, Status: "assigned"})
	assert.Equal(t, StatusAssigned, task.Status())
}

func TestFinalizeFromNonProcessRefused(t *testing.T) {
	r := newTestRig(t)
	r.registerSpawner(t, 10, "", 1)
	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	taskID := res.Body.(*SpawnRes).SpawnTaskID
	assign := r.sender.sentTo(10)[0].Body.(*SpawnAssignNtf)
	r.deliver(t, 30, MsgRegisterProcess, &RegisterProcessReq{SpawnTaskID: taskID, SpawnCode: assign.SpawnCode})

	res = r.deliver(t, 99, MsgFinalize, &FinalizeReq{SpawnTaskID: taskID})
	require.Equal(t, net.RetUnauthorized, res.Head.RetCode)
	task, _ := r.ctrl.Task(taskID)
	assert.Equal(t, StatusRegistered, task.Status())

	res = r.deliver(t, 30, MsgFinalize, &FinalizeReq{SpawnTaskID: taskID})
	assert.Equal(t, net.RetOK, res.Head.RetCode)
}

func TestSpawnerGaugesFollowRegistry(t *testing.T) {
	sender := newFakeSender()
	mtr := metrics.New()
	ctrl, err := NewController(&Config{TaskTimeoutSec: 10, SweepIntervalMS: 100, ArchiveSize: 8},
		NewRegistry(), sender, clock.NewMock(), mtr)
	require.NoError(t, err)
	reg := net.NewMessageRegistry()
	ctrl.RegisterMessages(reg)
	r := &testRig{ctrl: ctrl, sender: sender, reg: reg}

	spawnerID := r.registerSpawner(t, 10, "eu", 2)
	dim := map[string]string{"spawner": strconv.FormatUint(uint64(spawnerID), 10), "region": "eu"}
	assert.Equal(t, float64(1), testutil.ToFloat64(mtr.SpawnersOnline))
	assert.Equal(t, float64(0), testutil.ToFloat64(mtr.SpawnerLoad.With(dim)))

	res := r.deliver(t, 20, MsgSpawnRequest, &SpawnReq{})
	require.Equal(t, net.RetOK, res.Head.RetCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(mtr.SpawnerLoad.With(dim)))

	taskID := res.Body.(*SpawnRes).SpawnTaskID
	r.deliver(t, 20, MsgAbort, &AbortReq{SpawnTaskID: taskID})
	assert.Equal(t, float64(0), testutil.ToFloat64(mtr.SpawnerLoad.With(dim)))

	ctrl.OnPeerDisconnected(10)
	assert.Equal(t, float64(0), testutil.ToFloat64(mtr.SpawnersOnline))
	assert.Equal(t, 0, testutil.CollectAndCount(mtr.SpawnerLoad))
}
