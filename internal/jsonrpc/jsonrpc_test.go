package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/registry"
)

var errBoom = errors.New("boom")

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(&registry.Service{
		Name: "testservice",
		Methods: map[string]registry.Method{
			"get_message": {
				Name: "get_message",
				Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
					return "hello", nil
				},
			},
			"echo_client": {
				Name: "echo_client",
				Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
					return ctx.OriginatingClient, nil
				},
			},
		},
	}, false)
	return reg
}

func post(t *testing.T, h *Handler, body map[string]any) Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body=%s)", err, rec.Body.String())
	}
	return resp
}

func TestSuccessfulCall(t *testing.T) {
	h := New(testRegistry(), false, nil)
	resp := post(t, h, map[string]any{"id": 1, "method": "testservice.get_message"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result != "hello" {
		t.Fatalf("result = %v, want hello", resp.Result)
	}
	if resp.JSONRPC != "2.0" {
		t.Fatalf("jsonrpc = %q, want 2.0", resp.JSONRPC)
	}
}

func TestInvalidJSON(t *testing.T) {
	h := New(testRegistry(), false, nil)
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != ErrInvalidJSON {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrInvalidJSON)
	}
}

func TestMissingMethod(t *testing.T) {
	h := New(testRegistry(), false, nil)
	resp := post(t, h, map[string]any{"id": 1})
	if resp.Error == nil || resp.Error.Code != ErrInvalidRequest {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrInvalidRequest)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := New(testRegistry(), false, nil)
	resp := post(t, h, map[string]any{"id": 1, "method": "testservice.nope"})
	if resp.Error == nil || resp.Error.Code != ErrMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrMethodNotFound)
	}
}

func TestTooManyDots(t *testing.T) {
	h := New(testRegistry(), false, nil)
	resp := post(t, h, map[string]any{"id": 1, "method": "a.b.c"})
	if resp.Error == nil || resp.Error.Code != ErrMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrMethodNotFound)
	}
}

func TestInvalidParamsShape(t *testing.T) {
	h := New(testRegistry(), false, nil)
	resp := post(t, h, map[string]any{"id": 1, "method": "testservice.get_message", "params": "not an object"})
	if resp.Error == nil || resp.Error.Code != ErrInvalidParams {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrInvalidParams)
	}
}

func TestWebSocketClientPopulatesOriginatingClient(t *testing.T) {
	h := New(testRegistry(), false, nil)
	resp := post(t, h, map[string]any{
		"id":               1,
		"method":           "testservice.echo_client",
		"websocket-client": "client-42",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result != "client-42" {
		t.Fatalf("result = %v, want client-42", resp.Result)
	}
}

func TestDebugModeIncludesDetail(t *testing.T) {
	reg := registry.New()
	reg.Register(&registry.Service{
		Name: "boom",
		Methods: map[string]registry.Method{
			"fail": {
				Name: "fail",
				Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
					return nil, errBoom
				},
			},
		},
	}, false)

	h := New(reg, true, nil)
	resp := post(t, h, map[string]any{"id": 1, "method": "boom.fail"})
	if resp.Error == nil || resp.Error.Code != ErrInternal {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrInternal)
	}
	if resp.Error.Message != errBoom.Error() {
		t.Fatalf("message = %q, want debug detail %q", resp.Error.Message, errBoom.Error())
	}
}
