package net

// RetCode is the typed status carried by every response packet. Transport
// handlers never let an error escape as an unhandled fault; they complete the
// exchange with one of these codes instead.
type RetCode int32

const (
	RetOK RetCode = iota
	// RetInternal reports an unexpected server-side failure.
	RetInternal
	// RetNoSpawnerAvailable means no spawner qualifies for the request;
	// callers may retry or queue.
	RetNoSpawnerAvailable
	// RetRoomNotFound means the requested room id is unknown.
	RetRoomNotFound
	// RetInvalidPassword means the supplied room password does not match.
	RetInvalidPassword
	// RetRoomFull means the room is at max connections.
	RetRoomFull
	// RetInvalidToken means the access token is unknown, already consumed,
	// or expired.
	RetInvalidToken
	// RetAccessTimeout means the room-local client did not present a token
	// within the grace period.
	RetAccessTimeout
	// RetSpawnTimedOut means a spawn task hit its per-state deadline.
	RetSpawnTimedOut
	// RetSpawnAborted means a spawn task was explicitly cancelled.
	RetSpawnAborted
	// RetSpawnCodeMismatch means a spawned process presented the wrong
	// one-time code; fatal for that connection.
	RetSpawnCodeMismatch
	// RetUnauthorized means the peer is not allowed to perform the
	// operation.
	RetUnauthorized
	// RetTimeout means a pending request/response exchange expired.
	RetTimeout
)

// String returns a stable name for the code, used in logs and error reasons.
func (c RetCode) String() string {
	switch c {
	case RetOK:
		return "ok"
	case RetInternal:
		return "internal"
	case RetNoSpawnerAvailable:
		return "noSpawnerAvailable"
	case RetRoomNotFound:
		return "roomNotFound"
	case RetInvalidPassword:
		return "invalidPassword"
	case RetRoomFull:
		return "roomFull"
	case RetInvalidToken:
		return "invalidToken"
	case RetAccessTimeout:
		return "accessTimeout"
	case RetSpawnTimedOut:
		return "spawnTimedOut"
	case RetSpawnAborted:
		return "spawnAborted"
	case RetSpawnCodeMismatch:
		return "spawnCodeMismatch"
	case RetUnauthorized:
		return "unauthorized"
	case RetTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Failed reports whether the code denotes an error.
func (c RetCode) Failed() bool {
	return c != RetOK
}
