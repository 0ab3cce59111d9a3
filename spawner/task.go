package spawner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a spawn task.
type Status int32

const (
	// StatusQueued means the task exists but no spawner accepted it yet.
	StatusQueued Status = iota
	// StatusAssigned means a spawner accepted the task.
	StatusAssigned
	// StatusProcessStarted means the spawner launched the OS process.
	StatusProcessStarted
	// StatusRegistered means the spawned process authenticated back to the
	// master with its spawn code.
	StatusRegistered
	// StatusFinalized is the terminal success state.
	StatusFinalized
	// StatusAborted is terminal: the task was cancelled.
	StatusAborted
	// StatusTimedOut is terminal: no transition arrived within the deadline.
	StatusTimedOut
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusAborted || s == StatusTimedOut
}

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusAssigned:
		return "assigned"
	case StatusProcessStarted:
		return "processStarted"
	case StatusRegistered:
		return "registered"
	case StatusFinalized:
		return "finalized"
	case StatusAborted:
		return "aborted"
	case StatusTimedOut:
		return "timedOut"
	default:
		return "unknown"
	}
}

// ParseStatus maps a wire name back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "queued":
		return StatusQueued, nil
	case "assigned":
		return StatusAssigned, nil
	case "processStarted":
		return StatusProcessStarted, nil
	case "registered":
		return StatusRegistered, nil
	case "finalized":
		return StatusFinalized, nil
	case "aborted":
		return StatusAborted, nil
	case "timedOut":
		return StatusTimedOut, nil
	default:
		return StatusQueued, fmt.Errorf("unknown spawn status %q", s)
	}
}

// Well-known option keys of a spawn request.
const (
	OptionSceneName  = "sceneName"
	OptionRegion     = "region"
	OptionIsPublic   = "isPublic"
	OptionPassword   = "password"
	OptionMaxPlayers = "maxPlayers"
	OptionRoomName   = "roomName"
	OptionExecPath   = "execPath"
)

// Options is the name/value bag carried by a spawn request and handed down to
// the launched process.
type Options map[string]string

// Get returns the value for key or empty.
func (o Options) Get(key string) string {
	if o == nil {
		return ""
	}
	return o[key]
}

var (
	// ErrLateTransition rejects events arriving after a terminal state was
	// committed. The caller logs and discards the event.
	ErrLateTransition = errors.New("task already terminal")

	// ErrInvalidTransition rejects out-of-order forward transitions.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrSpawnCodeMismatch rejects a spawn code that is wrong or already
	// consumed. Fatal for the presenting connection.
	ErrSpawnCodeMismatch = errors.New("spawn code mismatch")
)

// SpawnTask tracks one request to launch a room process. All mutation goes
// through the task mutex so concurrent transport events for the same task are
// serialized; a committed terminal state wins every race.
type SpawnTask struct {
	// ID is unique for the master process lifetime.
	ID uint32

	// SpawnerID is the spawner holding the reservation for this task.
	SpawnerID uint32

	// SpawnerPeerID is the transport connection of that spawner.
	SpawnerPeerID uint64

	// RequesterPeerID is the connection that asked for the spawn, receiver
	// of failure notices.
	RequesterPeerID uint64

	// Options are the requested spawn options.
	Options Options

	// CreatedAt is the task creation time.
	CreatedAt time.Time

	mu            sync.Mutex
	status        Status
	changedAt     time.Time
	spawnCode     string
	codeConsumed  bool
	processID     int
	processPeerID uint64
	finalOptions  Options
	released      bool
}

// NewSpawnTask creates a queued task with a fresh one-time spawn code.
func NewSpawnTask(id uint32, s *RegisteredSpawner, requesterPeerID uint64, opts Options, now time.Time) *SpawnTask {
	return &SpawnTask{
		ID:              id,
		SpawnerID:       s.ID,
		SpawnerPeerID:   s.PeerID,
		RequesterPeerID: requesterPeerID,
		Options:         opts,
		CreatedAt:       now,
		status:          StatusQueued,
		changedAt:       now,
		spawnCode:       uuid.NewString(),
	}
}

// Status returns the current lifecycle state.
func (t *SpawnTask) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SpawnCode returns the one-time credential handed to the spawner for the
// launched process.
func (t *SpawnTask) SpawnCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spawnCode
}

// Advance commits a transition. Forward transitions must follow the sequence
// Queued, Assigned, ProcessStarted, Registered, Finalized one step at a time;
// Aborted and TimedOut are reachable from any non-terminal state. Once a
// terminal state is committed every later event fails with ErrLateTransition.
func (t *SpawnTask) Advance(next Status, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.status
	if cur.Terminal() {
		return fmt.Errorf("%w: %s, discarding %s", ErrLateTransition, cur, next)
	}
	switch {
	case next == StatusAborted || next == StatusTimedOut:
	case next == cur+1 && next <= StatusFinalized:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}

	t.status = next
	t.changedAt = now
	return nil
}

// RegisterProcess authenticates the launched process and commits the
// Registered state in one critical section. The spawner's status reports may
// still be in flight when the process connects, so any pre-Registered state
// is accepted. The spawn code is consumed only when the registration commits;
// a refused attempt leaves it valid. A second call, or a wrong code, fails
// with ErrSpawnCodeMismatch.
func (t *SpawnTask) RegisterProcess(code string, peerID uint64, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.status
	if cur.Terminal() {
		return fmt.Errorf("%w: %s, discarding %s", ErrLateTransition, cur, StatusRegistered)
	}
	if cur >= StatusRegistered {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, StatusRegistered)
	}
	if t.codeConsumed || code == "" || code != t.spawnCode {
		return ErrSpawnCodeMismatch
	}
	t.codeConsumed = true
	t.processPeerID = peerID
	t.status = StatusRegistered
	t.changedAt = now
	return nil
}

// ProcessPeerID returns the connection the process registered over, zero
// before registration.
func (t *SpawnTask) ProcessPeerID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processPeerID
}

// SetProcessID records the OS process id the spawner reported.
func (t *SpawnTask) SetProcessID(pid int) {
	t.mu.Lock()
	t.processID = pid
	t.mu.Unlock()
}

// ProcessID returns the recorded OS process id, zero if unknown.
func (t *SpawnTask) ProcessID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processID
}

// SetFinalOptions stores the options the room process reported at
// finalization.
func (t *SpawnTask) SetFinalOptions(opts Options) {
	t.mu.Lock()
	t.finalOptions = opts
	t.mu.Unlock()
}

// FinalOptions returns the finalization options, nil before Finalized.
func (t *SpawnTask) FinalOptions() Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalOptions
}

// Expired reports whether the task sat in its current non-terminal state
// longer than timeout.
func (t *SpawnTask) Expired(now time.Time, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.status.Terminal() && now.Sub(t.changedAt) > timeout
}

// markReleased flips the load-released flag exactly once, reporting whether
// the caller owns the release.
func (t *SpawnTask) markReleased() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return false
	}
	t.released = true
	return true
}
