package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeReq     = "REQ"
	TypeResp    = "RESP"
)

// Ops a REQ may carry.
const (
	OpServerState  = "server_state"
	OpHostCapacity = "host_capacity"
	OpPlayerState  = "player_state"
	OpExec         = "exec"
	OpIsAlive      = "is_alive"
	OpListServers  = "list_servers"
)

var Ops = []string{OpServerState, OpHostCapacity, OpPlayerState, OpExec, OpIsAlive, OpListServers}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
