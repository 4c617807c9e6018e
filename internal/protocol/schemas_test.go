package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip marshals v and decodes it into the generic form the validator
// expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	helloSchema := compile(t, "hello.schema.json")
	welcomeSchema := compile(t, "welcome.schema.json")
	reqSchema := compile(t, "req.schema.json")
	respSchema := compile(t, "resp.schema.json")

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(roundTrip(t, v)); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(helloSchema, protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "controller",
		Capabilities: protocol.HelloCapabilities{MaxInflight: 8},
	})
	validate(welcomeSchema, protocol.WelcomeMsg{
		Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, SessionID: "S1", Engine: "hostsim",
		ServerCapabilities: protocol.ServerCapabilities{Ops: protocol.Ops, MaxInflight: 8},
	})
	validate(reqSchema, protocol.ReqMsg{
		Type: protocol.TypeReq, ProtocolVersion: protocol.Version, ID: 7, Op: protocol.OpExec,
		Target: "n00dles", Host: "home", Kind: "grow", Threads: 12, StartOffsetMs: 2010,
	})
	validate(reqSchema, protocol.ReqMsg{
		Type: protocol.TypeReq, ProtocolVersion: protocol.Version, ID: 8, Op: protocol.OpIsAlive, Handle: 3,
	})
	validate(reqSchema, protocol.ReqMsg{
		Type: protocol.TypeReq, ProtocolVersion: protocol.Version, ID: 9, Op: protocol.OpPlayerState,
	})

	ok, err := protocol.NewResp(7, game.ServerState{Hostname: "n00dles", Security: 1, MinSecurity: 1})
	if err != nil {
		t.Fatalf("NewResp: %v", err)
	}
	validate(respSchema, ok)
	validate(respSchema, protocol.NewErrResp(7, protocol.ErrUnknownServer, "no such server"))
}

func TestSchemas_RejectBadSamples(t *testing.T) {
	reqSchema := compile(t, "req.schema.json")
	respSchema := compile(t, "resp.schema.json")

	bad := []struct {
		s   *jsonschema.Schema
		raw string
	}{
		{reqSchema, `{"type":"REQ","protocol_version":"1.0","id":1,"op":"exec","target":"n00dles"}`},
		{reqSchema, `{"type":"REQ","protocol_version":"1.0","id":1,"op":"kill"}`},
		{reqSchema, `{"type":"REQ","protocol_version":"1.0","id":1,"op":"exec","target":"a","host":"b","kind":"share","threads":1}`},
		{respSchema, `{"type":"RESP","protocol_version":"1.0","id":1,"ok":false}`},
		{respSchema, `{"type":"RESP","protocol_version":"1.0","id":1,"ok":true}`},
	}
	for i, tc := range bad {
		var v any
		if err := json.Unmarshal([]byte(tc.raw), &v); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if err := tc.s.Validate(v); err == nil {
			t.Fatalf("case %d: expected validation error for %s", i, tc.raw)
		}
	}
}
