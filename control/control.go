// Package control implements the local control socket: a secondary,
// normally read-only surface exposing only `list` and read-mode
// `session_io`, reached over a Unix domain socket at one of a small
// set of well-known paths. It reuses rpcserver's JSON-RPC framing and
// Dispatcher.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"

	"github.com/ptyctl/ptyctl/config"
	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/ptylog"
	"github.com/ptyctl/ptyctl/rpcserver"
)

// ResolveSocketPath returns explicit if set, else the first candidate
// from the default control socket search order.
func ResolveSocketPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	paths := config.DefaultControlSocketPaths(os.Getuid())
	return paths[0]
}

// Server serves the control socket.
type Server struct {
	Path       string
	Mode       config.ControlMode
	Dispatcher *rpcserver.Dispatcher
}

// ListenAndServe binds the Unix socket and serves connections until ctx
// is done. A stale socket file from a previous run is removed first.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.Mode == config.ControlDisabled {
		ptylog.Infof("control socket disabled")
		return nil
	}

	os.Remove(s.Path)
	l, err := net.Listen("unix", s.Path)
	if err != nil {
		return err
	}
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	ptylog.Infof("control socket listening on %s (mode=%s)", s.Path, s.Mode)
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcserver.Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(deniedResponse(nil, "parse error"))
			continue
		}
		if !s.allowed(req) {
			enc.Encode(deniedResponse(req.ID, "action not permitted on the read-only control socket"))
			continue
		}
		if err := enc.Encode(rpcserver.HandleRequest(ctx, s.Dispatcher, req)); err != nil {
			return
		}
	}
}

// allowed implements the read-only restriction: only list and
// read-mode session_io pass, unless the control socket was configured
// read-write.
func (s *Server) allowed(req rpcserver.Request) bool {
	if s.Mode == config.ControlReadwrite {
		return true
	}
	var env struct {
		Action string `json:"action"`
	}
	json.Unmarshal(req.Params, &env)
	switch req.Method {
	case "ptyctl_session":
		return env.Action == "list"
	case "ptyctl_session_io":
		return env.Action == "read"
	default:
		return false
	}
}

func deniedResponse(id json.RawMessage, message string) rpcserver.Response {
	return rpcserver.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcserver.ResponseError{
			Code:    -32000,
			Message: message,
			Data:    map[string]interface{}{"error_code": string(ptyerr.Unsupported)},
		},
	}
}
