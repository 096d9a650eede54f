package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ptyctl/ptyctl/registry"
)

func newTestDispatcher() *Dispatcher {
	return &Dispatcher{Registry: registry.New(registry.Limits{MaxSessions: 10})}
}

func TestDispatchSessionListEmpty(t *testing.T) {
	d := newTestDispatcher()
	result, err := d.Dispatch(context.Background(), "ptyctl_session", json.RawMessage(`{"action":"list"}`))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := result.(map[string]interface{})
	if !ok || m["success"] != true {
		t.Fatalf("got %+v", result)
	}
}

func TestDispatchRejectsInvalidToolName(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), "bad tool name!", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for invalid tool name")
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), "ptyctl_session", json.RawMessage(`{"action":"frobnicate"}`))
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestHandleRequestMapsNotFoundToErrorCode(t *testing.T) {
	d := newTestDispatcher()
	req := Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "ptyctl_session_exec",
		Params:  json.RawMessage(`{"session_id":"missing","cmd":"true"}`),
	}
	resp := HandleRequest(context.Background(), d, req)
	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	data, ok := resp.Error.Data.(map[string]interface{})
	if !ok || data["error_code"] != "NOT_FOUND" {
		t.Fatalf("got error data %+v", resp.Error.Data)
	}
}

func TestRunStdioRoundTrip(t *testing.T) {
	d := newTestDispatcher()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ptyctl_session","params":{"action":"list"}}` + "\n")
	var out bytes.Buffer

	if err := RunStdio(context.Background(), d, in, &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("decoding response: %v, body=%s", err, out.String())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestRunStdioParseErrorDoesNotAbortStream(t *testing.T) {
	d := newTestDispatcher()
	in := strings.NewReader("not json\n" + `{"jsonrpc":"2.0","id":2,"method":"ptyctl_session","params":{"action":"list"}}` + "\n")
	var out bytes.Buffer

	if err := RunStdio(context.Background(), d, in, &out); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	var first Response
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Error == nil || first.Error.Code != codeParseError {
		t.Fatalf("got %+v, want parse error", first.Error)
	}
}
