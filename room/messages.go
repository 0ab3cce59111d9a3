package room

// Message ids of the room protocol.
const (
	MsgRegister    = "nexus.room.register"
	MsgRegisterRes = "nexus.room.register.res"

	MsgUnregister = "nexus.room.unregister"

	MsgAccessRequest = "nexus.room.accessRequest"
	MsgAccessRes     = "nexus.room.access.res"

	MsgValidateAccess    = "nexus.room.validateAccess"
	MsgValidateAccessRes = "nexus.room.validateAccess.res"

	MsgPlayerLeft = "nexus.room.playerLeft"

	MsgList    = "nexus.room.list"
	MsgListRes = "nexus.room.list.res"
)

// RegisterReq registers a room with the master.
type RegisterReq struct {
	SpawnTaskID    uint32            `json:"spawnTaskId,omitempty"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	MaxConnections int32             `json:"maxConnections,omitempty"`
	Password       string            `json:"password,omitempty"`
	IsPublic       bool              `json:"isPublic,omitempty"`
	Region         string            `json:"region,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
}

// RegisterRes acknowledges room registration with the assigned id.
type RegisterRes struct {
	RoomID uint32 `json:"roomId"`
}

// UnregisterNtf removes a room.
type UnregisterNtf struct {
	RoomID uint32 `json:"roomId"`
}

// AccessReq asks the master for access to a room.
type AccessReq struct {
	RoomID   uint32 `json:"roomId"`
	Password string `json:"password,omitempty"`
	Username string `json:"username,omitempty"`
}

// RoomAccess is the grant returned to the client: where to connect and the
// one-time token to present.
type RoomAccess struct {
	RoomID    uint32            `json:"roomId"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Token     string            `json:"token"`
	SceneName string            `json:"sceneName,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// ValidateAccessReq is sent by the room process to consume a token a client
// presented.
type ValidateAccessReq struct {
	RoomID uint32 `json:"roomId"`
	Token  string `json:"token"`
}

// ValidateAccessRes returns the identity bound to a consumed token.
type ValidateAccessRes struct {
	PeerID     uint64            `json:"peerId"`
	Username   string            `json:"username,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// PlayerLeftNtf reports a player leaving a room.
type PlayerLeftNtf struct {
	RoomID uint32 `json:"roomId"`
	PeerID uint64 `json:"peerId"`
}

// ListReq asks for the public room list.
type ListReq struct {
	Region  string            `json:"region,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// RoomInfo is one public room list entry.
type RoomInfo struct {
	RoomID         uint32            `json:"roomId"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Region         string            `json:"region,omitempty"`
	MaxConnections int32             `json:"maxConnections,omitempty"`
	OnlineCount    int               `json:"onlineCount"`
	PasswordNeeded bool              `json:"passwordNeeded,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
}

// ListRes answers a room list request.
type ListRes struct {
	Rooms []RoomInfo `json:"rooms"`
}
