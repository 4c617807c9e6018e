package protocol

import (
	"encoding/json"

	"hwgw.ai/internal/game"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxInflight int `json:"max_inflight,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type               string             `json:"type"`
	ProtocolVersion    string             `json:"protocol_version"`
	SessionID          string             `json:"session_id"`
	Engine             string             `json:"engine"`
	ServerCapabilities ServerCapabilities `json:"server_capabilities"`
}

type ServerCapabilities struct {
	Ops         []string `json:"ops"`
	MaxInflight int      `json:"max_inflight,omitempty"`
}

// REQ (client -> server). Which fields matter depends on Op.
type ReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              uint64 `json:"id"`
	Op              string `json:"op"`

	Target        string `json:"target,omitempty"`
	Host          string `json:"host,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Threads       int    `json:"threads,omitempty"`
	StartOffsetMs int64  `json:"start_offset_ms,omitempty"`
	Handle        int    `json:"handle,omitempty"`
}

// RESP (server -> client). Result is set when OK, Code when not.
type RespMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              uint64          `json:"id"`
	OK              bool            `json:"ok"`
	Code            string          `json:"code,omitempty"`
	Message         string          `json:"message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

type ExecResult struct {
	Handle int `json:"handle"`
}

type AliveResult struct {
	Alive bool `json:"alive"`
}

type ListServersResult struct {
	Servers []game.ServerState `json:"servers"`
}

func NewResp(id uint64, result any) (RespMsg, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return RespMsg{}, err
	}
	return RespMsg{Type: TypeResp, ProtocolVersion: Version, ID: id, OK: true, Result: b}, nil
}

func NewErrResp(id uint64, code, msg string) RespMsg {
	return RespMsg{Type: TypeResp, ProtocolVersion: Version, ID: id, Code: code, Message: msg}
}
