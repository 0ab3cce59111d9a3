package spawner

// Message ids of the spawn protocol.
const (
	MsgSpawnerRegister    = "nexus.spawner.register"
	MsgSpawnerRegisterRes = "nexus.spawner.register.res"

	MsgSpawnRequest  = "nexus.spawn.request"
	MsgSpawnResponse = "nexus.spawn.response"

	// MsgSpawnAssign hands an accepted task to its spawner.
	MsgSpawnAssign = "nexus.spawn.assign"

	MsgSpawnStatus = "nexus.spawn.status"

	MsgRegisterProcess    = "nexus.spawn.registerProcess"
	MsgRegisterProcessRes = "nexus.spawn.registerProcess.res"

	MsgFinalize    = "nexus.spawn.finalize"
	MsgFinalizeRes = "nexus.spawn.finalize.res"

	MsgKillProcess = "nexus.spawn.kill"

	MsgAbort    = "nexus.spawn.abort"
	MsgAbortRes = "nexus.spawn.abort.res"
)

// SpawnerRegisterReq registers a spawner with the master.
type SpawnerRegisterReq struct {
	Address      string `json:"address"`
	Region       string `json:"region,omitempty"`
	MaxProcesses int32  `json:"maxProcesses"`
}

// SpawnerRegisterRes acknowledges registration with the assigned id.
type SpawnerRegisterRes struct {
	SpawnerID uint32 `json:"spawnerId"`
}

// SpawnReq asks the master to launch a room process. SpawnerID pins the task
// to one spawner; zero lets the master select by region and load.
type SpawnReq struct {
	SpawnerID uint32  `json:"spawnerId,omitempty"`
	Options   Options `json:"options,omitempty"`
}

// SpawnRes acknowledges a spawn request with the tracking task id.
type SpawnRes struct {
	SpawnTaskID uint32 `json:"spawnTaskId"`
	Status      string `json:"status"`
}

// SpawnAssignNtf hands an accepted task to the selected spawner. The spawn
// code travels to the launched process via the spawner's command line and
// comes back in RegisterProcessReq.
type SpawnAssignNtf struct {
	SpawnTaskID uint32  `json:"spawnTaskId"`
	SpawnCode   string  `json:"spawnCode"`
	Options     Options `json:"options,omitempty"`
}

// SpawnStatusNtf reports a task transition observed by the spawner.
type SpawnStatusNtf struct {
	SpawnTaskID uint32 `json:"spawnTaskId"`
	Status      string `json:"status"`
	ProcessID   int    `json:"processId,omitempty"`
}

// RegisterProcessReq authenticates a launched process back to the master.
type RegisterProcessReq struct {
	SpawnTaskID uint32 `json:"spawnTaskId"`
	SpawnCode   string `json:"spawnCode"`
}

// RegisterProcessRes returns the task options to the authenticated process.
type RegisterProcessRes struct {
	SpawnTaskID uint32  `json:"spawnTaskId"`
	Options     Options `json:"options,omitempty"`
}

// FinalizeReq reports the final initialization options of the room process.
type FinalizeReq struct {
	SpawnTaskID  uint32  `json:"spawnTaskId"`
	FinalOptions Options `json:"finalOptions,omitempty"`
}

// FinalizeRes acknowledges finalization.
type FinalizeRes struct{}

// KillProcessNtf asks a spawner to kill a launched process, best effort.
type KillProcessNtf struct {
	SpawnTaskID uint32 `json:"spawnTaskId"`
	ProcessID   int    `json:"processId,omitempty"`
}

// AbortReq cancels a spawn task.
type AbortReq struct {
	SpawnTaskID uint32 `json:"spawnTaskId"`
}

// AbortRes acknowledges an abort with the resulting task status.
type AbortRes struct {
	Status string `json:"status"`
}
