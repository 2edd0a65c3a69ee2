package rpc

import (
	"encoding/json"
	"testing"
)

func TestRequestSerialization(t *testing.T) {
	req := &Request{
		JSONRPC: "2.0",
		Method:  "connections.list",
		Params:  map[string]interface{}{"test": "value"},
		ID:      1,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	var decoded Request
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal request: %v", err)
	}

	if decoded.JSONRPC != "2.0" {
		t.Errorf("expected JSONRPC 2.0, got %s", decoded.JSONRPC)
	}
	if decoded.Method != "connections.list" {
		t.Errorf("expected method connections.list, got %s", decoded.Method)
	}
}

func TestResponseSerialization(t *testing.T) {
	resp := &Response{
		JSONRPC: "2.0",
		Result:  map[string]interface{}{"connections": []interface{}{}},
		ID:      1,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal response: %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if decoded.JSONRPC != "2.0" {
		t.Errorf("expected JSONRPC 2.0, got %s", decoded.JSONRPC)
	}
}

func TestErrorResponse(t *testing.T) {
	resp := &Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    ErrCodeMethodNotFound,
			Message: "method not found",
		},
		ID: 1,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to marshal error response: %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal error response: %v", err)
	}

	if decoded.Error == nil {
		t.Fatal("expected error to be present")
	}
	if decoded.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("expected error code %d, got %d", ErrCodeMethodNotFound, decoded.Error.Code)
	}
}

func TestConnectionsListResult(t *testing.T) {
	result := &ConnectionsListResult{
		Connections: []*ConnectionInfo{
			{
				ConID:      "abcd1234",
				PeerNodeID: "deadbeef",
				RemoteAddr: "1.2.3.4:51820",
				Strategy:   "direct",
				State:      "established",
				Since:      "2024-01-01T00:00:00Z",
			},
		},
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}

	var decoded ConnectionsListResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if len(decoded.Connections) != 1 {
		t.Errorf("expected 1 connection, got %d", len(decoded.Connections))
	}
	if decoded.Connections[0].ConID != "abcd1234" {
		t.Errorf("expected con_id abcd1234, got %s", decoded.Connections[0].ConID)
	}
}

func TestNATStatusResult(t *testing.T) {
	result := &NATStatusResult{
		Kind:           "delta",
		Delta:          4,
		ForwardedPort:  40401,
		ForwardingType: "upnp",
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}

	var decoded NATStatusResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if decoded.Kind != "delta" {
		t.Errorf("expected kind delta, got %s", decoded.Kind)
	}
	if decoded.Delta != 4 {
		t.Errorf("expected delta 4, got %d", decoded.Delta)
	}
}

func TestSupervisorPingResult(t *testing.T) {
	result := &SupervisorPingResult{Pong: true, Version: "v0.1.0"}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
	}

	var decoded SupervisorPingResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !decoded.Pong {
		t.Error("expected pong true")
	}
}
