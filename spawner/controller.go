package spawner

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lcx/nexus/log"
	"github.com/lcx/nexus/metrics"
	"github.com/lcx/nexus/module"
	"github.com/lcx/nexus/net"
	"github.com/lcx/nexus/utils"
)

// Config tunes the spawn task lifecycle.
type Config struct {
	// TaskTimeoutSec is the deadline for a task to leave its current state.
	TaskTimeoutSec int `mapstructure:"taskTimeoutSec"`

	// SweepIntervalMS is the cadence of the timeout sweep.
	SweepIntervalMS int `mapstructure:"sweepIntervalMs"`

	// ArchiveSize bounds the finalized-task archive.
	ArchiveSize int `mapstructure:"archiveSize"`
}

// GetName implements the config.Config interface.
func (c *Config) GetName() string { return "spawner" }

// Validate implements the config.Config interface.
func (c *Config) Validate() error {
	if c.TaskTimeoutSec <= 0 {
		return fmt.Errorf("TaskTimeoutSec must be positive")
	}
	if c.SweepIntervalMS <= 0 {
		return fmt.Errorf("SweepIntervalMS must be positive")
	}
	if c.ArchiveSize <= 0 {
		return fmt.Errorf("ArchiveSize must be positive")
	}
	return nil
}

// DefaultConfig returns the stock controller tuning.
func DefaultConfig() *Config {
	return &Config{TaskTimeoutSec: 60, SweepIntervalMS: 1000, ArchiveSize: 512}
}

// Controller is the master-side spawners module: it owns the spawner registry
// and every live spawn task, handles the spawn protocol messages, and sweeps
// expired tasks in the background.
type Controller struct {
	cfg      *Config
	registry *Registry
	sender   net.PeerSender
	clk      clock.Clock
	mtr      *metrics.Metrics

	mu      sync.Mutex
	tasks   map[uint32]*SpawnTask
	taskIDs *utils.IDSequence
	archive *lru.Cache[uint32, *SpawnTask]

	stop chan struct{}
	once sync.Once
}

// NewController creates the spawners module. sender delivers packets to
// spawner and requester peers; clk may be nil for the wall clock.
func NewController(cfg *Config, registry *Registry, sender net.PeerSender, clk clock.Clock, mtr *metrics.Metrics) (*Controller, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	archive, err := lru.New[uint32, *SpawnTask](cfg.ArchiveSize)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		registry: registry,
		sender:   sender,
		clk:      clk,
		mtr:      mtr,
		tasks:    make(map[uint32]*SpawnTask),
		taskIDs:  utils.NewIDSequence(0),
		archive:  archive,
		stop:     make(chan struct{}),
	}
	registry.AddObserver(c)
	return c, nil
}

// Name implements module.ServerModule.
func (c *Controller) Name() string { return "spawners" }

// Dependencies implements module.ServerModule.
func (c *Controller) Dependencies() []reflect.Type { return nil }

// Initialize implements module.ServerModule; the sweep goroutine starts here.
func (c *Controller) Initialize(module.Host) error {
	go c.runSweeper()
	return nil
}

// Stop ends the background sweep.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Registry exposes the spawner registry.
func (c *Controller) Registry() *Registry { return c.registry }

// Task looks up a task by id, live tasks first, then the archive.
func (c *Controller) Task(id uint32) (*SpawnTask, bool) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	c.mu.Unlock()
	if ok {
		return t, true
	}
	return c.archive.Get(id)
}

// LiveTaskCount returns the number of non-archived tasks.
func (c *Controller) LiveTaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// RegisterMessages wires the spawn protocol into the message registry.
func (c *Controller) RegisterMessages(reg *net.MessageRegistry) {
	reg.Register(&net.MsgInfo{
		New: func() any { return &SpawnerRegisterReq{} }, MsgID: MsgSpawnerRegister,
		ResMsgID: MsgSpawnerRegisterRes, ReqType: net.MRTReq, Handler: c.handleSpawnerRegister,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &SpawnerRegisterRes{} }, MsgID: MsgSpawnerRegisterRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &SpawnReq{} }, MsgID: MsgSpawnRequest,
		ResMsgID: MsgSpawnResponse, ReqType: net.MRTReq, Handler: c.handleSpawnRequest,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &SpawnRes{} }, MsgID: MsgSpawnResponse, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &SpawnAssignNtf{} }, MsgID: MsgSpawnAssign, ReqType: net.MRTNtf,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &SpawnStatusNtf{} }, MsgID: MsgSpawnStatus,
		ReqType: net.MRTNtf, Handler: c.handleSpawnStatus,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &RegisterProcessReq{} }, MsgID: MsgRegisterProcess,
		ResMsgID: MsgRegisterProcessRes, ReqType: net.MRTReq, Handler: c.handleRegisterProcess,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &RegisterProcessRes{} }, MsgID: MsgRegisterProcessRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &FinalizeReq{} }, MsgID: MsgFinalize,
		ResMsgID: MsgFinalizeRes, ReqType: net.MRTReq, Handler: c.handleFinalize,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &FinalizeRes{} }, MsgID: MsgFinalizeRes, ReqType: net.MRTRes,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &KillProcessNtf{} }, MsgID: MsgKillProcess, ReqType: net.MRTNtf,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &AbortReq{} }, MsgID: MsgAbort,
		ResMsgID: MsgAbortRes, ReqType: net.MRTReq, Handler: c.handleAbort,
	})
	reg.Register(&net.MsgInfo{
		New: func() any { return &AbortRes{} }, MsgID: MsgAbortRes, ReqType: net.MRTRes,
	})
}

// OnPeerDisconnected releases spawner records tied to a dropped connection and
// aborts live tasks that lost their requester or their spawner. Wired to the
// transport disconnect hook.
func (c *Controller) OnPeerDisconnected(peerID uint64) {
	c.registry.UnregisterByPeer(peerID)

	c.mu.Lock()
	snapshot := make([]*SpawnTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		if t.RequesterPeerID == peerID || t.SpawnerPeerID == peerID {
			snapshot = append(snapshot, t)
		}
	}
	c.mu.Unlock()

	for _, task := range snapshot {
		prev := task.Status()
		if err := task.Advance(StatusAborted, c.clk.Now()); err != nil {
			continue
		}
		log.Warn().Uint32("task", task.ID).Uint64("peer", peerID).
			Msg("spawn task aborted by disconnect")
		c.finishTask(task, prev, StatusAborted)
	}
}

func (c *Controller) handleSpawnerRegister(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*SpawnerRegisterReq)
	if req.MaxProcesses <= 0 {
		return dd.SendBackErr(net.RetInternal)
	}
	if _, _, err := utils.SplitAddr(req.Address); err != nil {
		log.Warn().Err(err).Uint64("peer", dd.PeerID).Msg("spawner address rejected")
		return dd.SendBackErr(net.RetInternal)
	}

	s := c.registry.Register(dd.Pkg.Head.GetSrcPeerID(), req.Address, req.Region, req.MaxProcesses)
	return dd.SendBackRes(&SpawnerRegisterRes{SpawnerID: s.ID})
}

func (c *Controller) handleSpawnRequest(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*SpawnReq)

	var s *RegisteredSpawner
	if req.SpawnerID != 0 {
		s, err = c.registry.Reserve(req.SpawnerID)
	} else {
		s, err = c.registry.Select(req.Options.Get(OptionRegion))
	}
	if err != nil {
		if errors.Is(err, ErrNoSpawnerAvailable) {
			if c.mtr != nil {
				c.mtr.SpawnRequests.WithLabelValues("noSpawner").Inc()
			}
			return dd.SendBackErr(net.RetNoSpawnerAvailable)
		}
		return err
	}

	task := NewSpawnTask(c.taskIDs.Next(), s, dd.Pkg.Head.GetSrcPeerID(), req.Options, c.clk.Now())
	c.mu.Lock()
	c.tasks[task.ID] = task
	c.mu.Unlock()

	assign := net.NewNtfPkg(MsgSpawnAssign, &SpawnAssignNtf{
		SpawnTaskID: task.ID,
		SpawnCode:   task.SpawnCode(),
		Options:     task.Options,
	})
	if err := c.sender.SendTo(s.PeerID, assign); err != nil {
		log.Warn().Err(err).Uint32("task", task.ID).Uint32("spawner", s.ID).
			Msg("spawn assignment undeliverable")
		_ = task.Advance(StatusAborted, c.clk.Now())
		c.finishTask(task, StatusQueued, StatusAborted)
		return dd.SendBackErr(net.RetNoSpawnerAvailable)
	}

	if c.mtr != nil {
		c.mtr.SpawnRequests.WithLabelValues("accepted").Inc()
	}
	c.touchLoad(s.ID)
	log.Info().Uint32("task", task.ID).Uint32("spawner", s.ID).Msg("spawn task queued")
	return dd.SendBackRes(&SpawnRes{SpawnTaskID: task.ID, Status: StatusQueued.String()})
}

func (c *Controller) handleSpawnStatus(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	ntf := body.(*SpawnStatusNtf)

	status, err := ParseStatus(ntf.Status)
	if err != nil {
		return err
	}
	task, ok := c.Task(ntf.SpawnTaskID)
	if !ok {
		log.Warn().Uint32("task", ntf.SpawnTaskID).Msg("status update for unknown task")
		return nil
	}
	// Only the assigned spawner may report progress for its task.
	if task.SpawnerPeerID != dd.Pkg.Head.GetSrcPeerID() {
		log.Warn().Uint32("task", task.ID).Uint64("peer", dd.PeerID).
			Msg("status update from non-spawner ignored")
		return nil
	}
	if ntf.ProcessID != 0 {
		task.SetProcessID(ntf.ProcessID)
	}

	prev := task.Status()
	if err := c.advance(task, status); err != nil {
		return nil
	}
	if status.Terminal() {
		c.finishTask(task, prev, status)
	}
	return nil
}

func (c *Controller) handleRegisterProcess(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*RegisterProcessReq)

	task, ok := c.Task(req.SpawnTaskID)
	if !ok {
		return c.refuseProcess(dd, req.SpawnTaskID, "unknown spawn task")
	}
	if err := task.RegisterProcess(req.SpawnCode, dd.Pkg.Head.GetSrcPeerID(), c.clk.Now()); err != nil {
		if errors.Is(err, ErrSpawnCodeMismatch) {
			return c.refuseProcess(dd, req.SpawnTaskID, "spawn code mismatch")
		}
		return c.refuseProcess(dd, req.SpawnTaskID, "task not in startable state")
	}

	log.Info().Uint32("task", task.ID).Msg("spawned process registered")
	return dd.SendBackRes(&RegisterProcessRes{SpawnTaskID: task.ID, Options: task.Options})
}

// refuseProcess is the fatal path of process authentication: the exchange is
// answered with SpawnCodeMismatch and the connection dropped.
func (c *Controller) refuseProcess(dd *net.DispatcherDelivery, taskID uint32, reason string) error {
	log.Warn().Uint32("task", taskID).Str("reason", reason).
		Uint64("peer", dd.PeerID).Msg("spawned process refused")
	_ = dd.SendBackErr(net.RetSpawnCodeMismatch)
	if dd.Disconnect != nil {
		dd.Disconnect(reason)
	}
	return nil
}

func (c *Controller) handleFinalize(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*FinalizeReq)

	task, ok := c.Task(req.SpawnTaskID)
	if !ok {
		return dd.SendBackErr(net.RetInternal)
	}
	// Only the process that presented the spawn code may finalize.
	if task.ProcessPeerID() != dd.Pkg.Head.GetSrcPeerID() {
		return dd.SendBackErr(net.RetUnauthorized)
	}
	prev := task.Status()
	if err := c.advance(task, StatusFinalized); err != nil {
		return dd.SendBackErr(net.RetInternal)
	}
	task.SetFinalOptions(req.FinalOptions)
	c.finishTask(task, prev, StatusFinalized)

	if c.mtr != nil {
		c.mtr.SpawnDuration.Observe(c.clk.Now().Sub(task.CreatedAt).Seconds())
	}
	log.Info().Uint32("task", task.ID).Msg("spawn task finalized")
	return dd.SendBackRes(&FinalizeRes{})
}

func (c *Controller) handleAbort(dd *net.DispatcherDelivery) error {
	body, err := dd.Pkg.DecodeBody()
	if err != nil {
		return err
	}
	req := body.(*AbortReq)

	task, ok := c.Task(req.SpawnTaskID)
	if !ok {
		return dd.SendBackErr(net.RetInternal)
	}
	// Only the connection that requested the spawn may abort it.
	if task.RequesterPeerID != dd.Pkg.Head.GetSrcPeerID() {
		return dd.SendBackErr(net.RetUnauthorized)
	}

	prev := task.Status()
	if err := task.Advance(StatusAborted, c.clk.Now()); err != nil {
		// A committed forward transition beats the abort.
		log.Warn().Err(err).Uint32("task", task.ID).Msg("abort discarded")
		return dd.SendBackRes(&AbortRes{Status: task.Status().String()})
	}
	c.finishTask(task, prev, StatusAborted)
	log.Info().Uint32("task", task.ID).Msg("spawn task aborted")
	return dd.SendBackRes(&AbortRes{Status: StatusAborted.String()})
}

// advance commits a forward transition, logging and swallowing late events.
func (c *Controller) advance(task *SpawnTask, next Status) error {
	if err := task.Advance(next, c.clk.Now()); err != nil {
		log.Warn().Err(err).Uint32("task", task.ID).
			Str("event", next.String()).Msg("task transition discarded")
		return err
	}
	return nil
}

// finishTask runs the terminal-state bookkeeping exactly once per task:
// release the spawner reservation, archive the task, ask the spawner to kill
// a launched process on failure, and tell the requester how it ended.
func (c *Controller) finishTask(task *SpawnTask, prev, final Status) {
	if !task.markReleased() {
		return
	}
	c.registry.Release(task.SpawnerID)
	c.touchLoad(task.SpawnerID)

	c.mu.Lock()
	delete(c.tasks, task.ID)
	c.mu.Unlock()
	c.archive.Add(task.ID, task)

	if c.mtr != nil {
		c.mtr.SpawnTasks.WithLabelValues(final.String()).Inc()
	}

	if final == StatusFinalized {
		return
	}

	// Failure path: best-effort process kill, error notice to the requester.
	if prev >= StatusProcessStarted {
		kill := net.NewNtfPkg(MsgKillProcess, &KillProcessNtf{
			SpawnTaskID: task.ID,
			ProcessID:   task.ProcessID(),
		})
		if err := c.sender.SendTo(task.SpawnerPeerID, kill); err != nil {
			log.Warn().Err(err).Uint32("task", task.ID).Msg("kill request undeliverable")
		}
	}
	if task.RequesterPeerID != 0 {
		notice := net.NewNtfPkg(MsgSpawnStatus, &SpawnStatusNtf{
			SpawnTaskID: task.ID,
			Status:      final.String(),
		})
		if err := c.sender.SendTo(task.RequesterPeerID, notice); err != nil {
			log.Debug().Err(err).Uint32("task", task.ID).Msg("requester unreachable")
		}
	}
}

// OnSpawnerRegistered implements Observer; the spawner gauges track the
// registry.
func (c *Controller) OnSpawnerRegistered(s *RegisteredSpawner) {
	if c.mtr == nil {
		return
	}
	c.mtr.SpawnersOnline.Set(float64(c.registry.Count()))
	c.mtr.TouchSpawner(spawnerDim(s), 0)
}

// OnSpawnerUnregistered implements Observer.
func (c *Controller) OnSpawnerUnregistered(s *RegisteredSpawner) {
	if c.mtr == nil {
		return
	}
	c.mtr.SpawnersOnline.Set(float64(c.registry.Count()))
	c.mtr.DropSpawner(spawnerDim(s))
}

// touchLoad refreshes the load gauge after a reservation or release.
func (c *Controller) touchLoad(id uint32) {
	if c.mtr == nil {
		return
	}
	s, ok := c.registry.Get(id)
	if !ok {
		return
	}
	c.mtr.TouchSpawner(spawnerDim(s), float64(c.registry.Load(id)))
}

func spawnerDim(s *RegisteredSpawner) metrics.Dimension {
	return metrics.Dimension{
		"spawner": strconv.FormatUint(uint64(s.ID), 10),
		"region":  s.Region,
	}
}

func (c *Controller) runSweeper() {
	ticker := c.clk.Ticker(time.Duration(c.cfg.SweepIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepExpired()
		case <-c.stop:
			return
		}
	}
}

// SweepExpired times out every live task stuck in its current state past the
// configured deadline and returns how many expired.
func (c *Controller) SweepExpired() int {
	now := c.clk.Now()
	timeout := time.Duration(c.cfg.TaskTimeoutSec) * time.Second

	c.mu.Lock()
	snapshot := make([]*SpawnTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		snapshot = append(snapshot, t)
	}
	c.mu.Unlock()

	expired := 0
	for _, task := range snapshot {
		if !task.Expired(now, timeout) {
			continue
		}
		prev := task.Status()
		if err := task.Advance(StatusTimedOut, now); err != nil {
			continue
		}
		expired++
		log.Warn().Uint32("task", task.ID).Str("lastStatus", prev.String()).
			Msg("spawn task timed out")
		c.finishTask(task, prev, StatusTimedOut)
	}
	return expired
}
