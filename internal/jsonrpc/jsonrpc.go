// Package jsonrpc implements the JSON-RPC Handler (C10): an HTTP POST
// endpoint sharing the Service Registry and Context with the WebSocket
// path. Wire types follow the same {jsonrpc, id, method, params} /
// {jsonrpc, id, result|error} shapes used elsewhere in the pack.
package jsonrpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/registry"
)

// Error codes from the taxonomy in the external-interfaces design.
const (
	ErrInvalidJSON    = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

// Request is the inbound wire shape: any subset of id/method/params,
// plus an optional websocket-client field that, when present,
// populates Context.OriginatingClient so @notifies calls made during
// this request skip echoing back to that client.
type Request struct {
	JSONRPC         string          `json:"jsonrpc,omitempty"`
	ID              any             `json:"id,omitempty"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	WebSocketClient string          `json:"websocket-client,omitempty"`
}

// Response is the outbound wire shape.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler serves POST /jsonrpc.
type Handler struct {
	Registry *registry.Registry
	Debug    bool
	Log      *slog.Logger
}

// New builds a Handler.
func New(reg *registry.Registry, debug bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Registry: reg, Debug: debug, Log: log}
}

// ServeHTTP implements the POST /jsonrpc contract: any textual
// content-type, body a JSON object shaped {id?, method, params?}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, ErrInvalidJSON, "could not read request body")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		h.writeError(w, nil, ErrInvalidJSON, "invalid JSON")
		return
	}

	id := raw["id"]
	method, _ := raw["method"].(string)
	if method == "" {
		h.writeError(w, id, ErrInvalidRequest, "missing method")
		return
	}

	svc, m, err := h.Registry.Resolve(method)
	if err != nil {
		h.writeError(w, id, ErrMethodNotFound, h.message(err))
		return
	}
	_ = svc

	rawParams, hasParams := raw["params"]
	if hasParams {
		switch rawParams.(type) {
		case map[string]any, []any, nil:
			// ok
		default:
			h.writeError(w, id, ErrInvalidParams, "params must be an object or array")
			return
		}
	}
	params := registry.FromWire(rawParams)

	wsClient, _ := raw["websocket-client"].(string)
	ctx := &callctx.Context{
		Client:            wsClient,
		OriginatingClient: wsClient,
		ClientData:        map[string]any{},
	}

	result, callErr := m.Call(ctx, params)
	if callErr != nil {
		h.writeError(w, id, ErrInternal, h.message(callErr))
		return
	}

	h.write(w, Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (h *Handler) message(err error) string {
	if h.Debug {
		return err.Error()
	}
	return "request failed"
}

func (h *Handler) writeError(w http.ResponseWriter, id any, code int, message string) {
	h.write(w, Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (h *Handler) write(w http.ResponseWriter, resp Response) {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.Log.Error("jsonrpc: failed to write response", "err", err)
	}
}
