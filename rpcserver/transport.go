package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/ptylog"
)

// HandleRequest dispatches one decoded JSON-RPC request and shapes its
// response, mapping *ptyerr.Error into the error.data.error_code
// envelope.
func HandleRequest(ctx context.Context, d *Dispatcher, req Request) Response {
	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		return errorResponse(req.ID, codeInvalidRequest, "unsupported jsonrpc version", nil)
	}
	result, err := d.Dispatch(ctx, req.Method, req.Params)
	if err == nil {
		return successResponse(req.ID, result)
	}

	if perr, ok := err.(*ptyerr.Error); ok {
		data := map[string]interface{}{"error_code": string(perr.Code)}
		for k, v := range perr.Data {
			data[k] = v
		}
		return errorResponse(req.ID, codeToolError, ptylog.Redact(perr.Error()), data)
	}
	return errorResponse(req.ID, codeInternalError, ptylog.Redact(err.Error()), nil)
}

// RunStdio implements newline-delimited stdio framing: one JSON-RPC
// request per line on in, one response per line on out. Diagnostics
// never touch out, reserving stdout for protocol and stderr for
// logging.
func RunStdio(ctx context.Context, d *Dispatcher, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := enc.Encode(errorResponse(nil, codeParseError, "parse error", nil)); werr != nil {
				return werr
			}
			continue
		}
		resp := HandleRequest(ctx, d, req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// HTTPHandler serves JSON-RPC requests over POST /mcp and an optional
// SSE heartbeat stream over GET /mcp, with bearer-token auth when
// BearerToken is non-empty.
type HTTPHandler struct {
	Dispatcher  *Dispatcher
	BearerToken string
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.BearerToken != "" && !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.serveRPC(w, r)
	case http.MethodGet:
		h.serveSSE(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	return len(auth) > len(prefix) && auth[:len(prefix)] == prefix && auth[len(prefix):] == h.BearerToken
}

func (h *HTTPHandler) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, codeParseError, "parse error", nil))
		return
	}
	resp := HandleRequest(r.Context(), h.Dispatcher, req)
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC errors ride on 200; the envelope carries the failure.
	}
	json.NewEncoder(w).Encode(resp)
}

// serveSSE keeps the connection open and emits periodic comment
// heartbeats to prove the stream is alive.
func (h *HTTPHandler) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
