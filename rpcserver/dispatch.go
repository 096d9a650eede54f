package rpcserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"regexp"

	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	"github.com/ptyctl/ptyctl/connector"
	"github.com/ptyctl/ptyctl/ptyerr"
	"github.com/ptyctl/ptyctl/ptylog"
	"github.com/ptyctl/ptyctl/registry"
	"github.com/ptyctl/ptyctl/session"
)

// hostStatus reports host load/memory the way ds.go's updateSysInfo
// enriches its DNS-SD TXT record. Off the request's critical path:
// a gopsutil failure is logged and the field is simply omitted.
func hostStatus() map[string]interface{} {
	out := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_avail_bytes"] = vm.Available
		out["mem_total_bytes"] = vm.Total
	} else {
		ptylog.Debugf("hostStatus: mem.VirtualMemory: %v", err)
	}
	if la, err := load.Avg(); err == nil {
		out["load1"] = la.Load1
		out["load5"] = la.Load5
	} else {
		ptylog.Debugf("hostStatus: load.Avg: %v", err)
	}
	return out
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Dispatcher validates and executes the four
// ptyctl_session/_exec/_io/_config tool envelopes against a Registry.
type Dispatcher struct {
	Registry *registry.Registry
}

type actionEnvelope struct {
	Action string `json:"action"`
}

// Dispatch routes one JSON-RPC request's (tool name, params) pair to
// the matching tool handler.
func (d *Dispatcher) Dispatch(ctx context.Context, tool string, params json.RawMessage) (interface{}, error) {
	if !toolNamePattern.MatchString(tool) {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid tool name %q", tool)
	}
	switch tool {
	case "ptyctl_session":
		return d.dispatchSession(ctx, params)
	case "ptyctl_session_exec":
		return d.dispatchExec(ctx, params)
	case "ptyctl_session_io":
		return d.dispatchIO(ctx, params)
	case "ptyctl_session_config":
		return d.dispatchConfig(ctx, params)
	default:
		return nil, ptyerr.New(ptyerr.Unsupported, "unknown tool %q", tool)
	}
}

// --- ptyctl_session ---

type sessionOpenParams struct {
	Protocol   string                `json:"protocol"`
	Host       string                `json:"host"`
	Port       int                   `json:"port"`
	Username   string                `json:"username"`
	Auth       *authParams           `json:"auth"`
	PTY        *ptyParams            `json:"pty"`
	Timeouts   *timeoutsParams       `json:"timeouts"`
	SSHOptions *sshOptionsParams     `json:"ssh_options"`
	Expect     *expectParams         `json:"expect"`
	SessionType string               `json:"session_type"`
	DeviceID    string               `json:"device_id"`
	AcquireLock bool                 `json:"acquire_lock"`
	LockTTLMs   int                  `json:"lock_ttl_ms"`
	TaskID      string               `json:"task_id"`
}

type authParams struct {
	Method        string `json:"method"`
	Password      string `json:"password"`
	PrivateKeyPEM string `json:"private_key_pem"`
	Passphrase    string `json:"passphrase"`
}

type ptyParams struct {
	Enabled *bool  `json:"enabled"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
	Term    string `json:"term"`
}

type timeoutsParams struct {
	ConnectTimeoutMs int `json:"connect_timeout_ms"`
	IdleTimeoutMs    int `json:"idle_timeout_ms"`
}

type sshOptionsParams struct {
	HostKeyPolicy      string   `json:"host_key_policy"`
	KnownHostsPath     string   `json:"known_hosts_path"`
	HostKeyFingerprint string   `json:"host_key_fingerprint"`
	UseOpenSSHConfig   *bool    `json:"use_openssh_config"`
	ConfigPath         string   `json:"config_path"`
	ExtraArgs          []string `json:"extra_args"`
	ProxyJump          string   `json:"proxy_jump"`
}

type expectParams struct {
	PromptRegex  string   `json:"prompt_regex"`
	PagerRegexes []string `json:"pager_regexes"`
	ErrorRegexes []string `json:"error_regexes"`
}

type sessionActionParams struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id"`
	TTLMs     int    `json:"ttl_ms"`
	Force     bool   `json:"force"`
}

func (d *Dispatcher) dispatchSession(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var env actionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid params: %v", err)
	}
	switch env.Action {
	case "open":
		var p sessionOpenParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid open params: %v", err)
		}
		return d.openSession(ctx, p)
	case "close":
		var p sessionActionParams
		json.Unmarshal(raw, &p)
		if err := d.Registry.Close(p.SessionID, p.Force); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	case "list":
		list := d.Registry.List()
		return map[string]interface{}{"success": true, "sessions": list}, nil
	case "lock":
		var p sessionActionParams
		json.Unmarshal(raw, &p)
		lock, err := d.Registry.Lock(p.SessionID, p.TaskID, p.TTLMs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "lock_acquired": true, "lock_holder": lock.TaskID, "lock_expires_at": lock.ExpiresAt}, nil
	case "unlock":
		var p sessionActionParams
		json.Unmarshal(raw, &p)
		if err := d.Registry.Unlock(p.SessionID, p.TaskID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	case "heartbeat":
		var p sessionActionParams
		json.Unmarshal(raw, &p)
		lock, err := d.Registry.Heartbeat(p.SessionID, p.TaskID, p.TTLMs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "lock_holder": lock.TaskID, "lock_expires_at": lock.ExpiresAt}, nil
	case "status":
		var p sessionActionParams
		json.Unmarshal(raw, &p)
		lock, err := d.Registry.Status(p.SessionID)
		if err != nil {
			return nil, err
		}
		resp := map[string]interface{}{"success": true, "host_status": hostStatus()}
		if lock != nil {
			resp["lock_holder"] = lock.TaskID
			resp["lock_expires_at"] = lock.ExpiresAt
		}
		return resp, nil
	default:
		return nil, ptyerr.New(ptyerr.InvalidArgument, "unknown action %q for ptyctl_session", env.Action)
	}
}

func (d *Dispatcher) openSession(ctx context.Context, p sessionOpenParams) (interface{}, error) {
	protocol := connector.Protocol(p.Protocol)
	port := p.Port
	if port == 0 {
		if protocol == connector.ProtocolTelnet {
			port = 23
		} else {
			port = 22
		}
	}

	ptyEnabled := true
	cols, rows, term := 120, 40, "xterm-256color"
	if p.PTY != nil {
		if p.PTY.Enabled != nil {
			ptyEnabled = *p.PTY.Enabled
		}
		if p.PTY.Cols != 0 {
			cols = p.PTY.Cols
		}
		if p.PTY.Rows != 0 {
			rows = p.PTY.Rows
		}
		if p.PTY.Term != "" {
			term = p.PTY.Term
		}
	}

	connParams := connector.OpenParams{
		Protocol: protocol,
		Host:     p.Host,
		Port:     port,
		Username: p.Username,
		PTY:      connector.PTYParams{Enabled: ptyEnabled, Cols: cols, Rows: rows, Term: term},
	}
	if p.Auth != nil {
		connParams.Auth = connector.Auth{
			Method:        connector.AuthMethod(p.Auth.Method),
			Password:      p.Auth.Password,
			PrivateKeyPEM: p.Auth.PrivateKeyPEM,
			Passphrase:    p.Auth.Passphrase,
		}
	}
	if p.Timeouts != nil {
		connParams.Timeouts = connector.Timeouts{
			ConnectTimeoutMs: p.Timeouts.ConnectTimeoutMs,
			IdleTimeoutMs:    p.Timeouts.IdleTimeoutMs,
		}
	}
	if connParams.Timeouts.ConnectTimeoutMs == 0 {
		connParams.Timeouts.ConnectTimeoutMs = 15000
	}
	if p.SSHOptions != nil {
		policy := connector.HostKeyStrict
		switch p.SSHOptions.HostKeyPolicy {
		case "accept_new":
			policy = connector.HostKeyAcceptNew
		case "disabled":
			policy = connector.HostKeyDisabled
		}
		useCfg := true
		if p.SSHOptions.UseOpenSSHConfig != nil {
			useCfg = *p.SSHOptions.UseOpenSSHConfig
		}
		connParams.SSHOptions = connector.SSHOptions{
			HostKeyPolicy:      policy,
			KnownHostsPath:     p.SSHOptions.KnownHostsPath,
			HostKeyFingerprint: p.SSHOptions.HostKeyFingerprint,
			UseOpenSSHConfig:   useCfg,
			ConfigPath:         p.SSHOptions.ConfigPath,
			ExtraArgs:          p.SSHOptions.ExtraArgs,
			ProxyJump:          p.SSHOptions.ProxyJump,
		}
	} else {
		connParams.SSHOptions = connector.SSHOptions{HostKeyPolicy: connector.HostKeyStrict, UseOpenSSHConfig: true}
	}

	typ := session.TypeNormal
	if p.SessionType == "console" {
		typ = session.TypeConsole
	}

	res, err := d.Registry.Open(ctx, registry.OpenParams{
		Connector:   connParams,
		SessionType: typ,
		DeviceID:    p.DeviceID,
		AcquireLock: p.AcquireLock,
		LockTTLMs:   p.LockTTLMs,
		TaskID:      p.TaskID,
	})
	if err != nil {
		return nil, err
	}

	if res.ExistingSessionID != "" {
		return map[string]interface{}{
			"success":             true,
			"existing_session_id": res.ExistingSessionID,
			"session_id":          res.ExistingSessionID,
			"lock_acquired":       false,
		}, nil
	}

	if p.Expect != nil {
		res.Session.SetExpect(session.ExpectConfig{
			PromptRegex:  p.Expect.PromptRegex,
			PagerRegexes: p.Expect.PagerRegexes,
			ErrorRegexes: p.Expect.ErrorRegexes,
		})
	}

	return map[string]interface{}{
		"success":          true,
		"session_id":       res.Session.ID,
		"protocol":         res.Session.Protocol,
		"pty_enabled":      res.Session.PTYEnabled,
		"server_banner":    res.Session.ServerBanner,
		"security_warning": res.Session.SecurityWarning,
		"lock_acquired":    res.LockAcquired,
	}, nil
}

// --- ptyctl_session_exec ---

type execToolParams struct {
	SessionID   string        `json:"session_id"`
	Cmd         string        `json:"cmd"`
	TimeoutMs   int           `json:"timeout_ms"`
	UntilIdleMs int           `json:"until_idle_ms"`
	RCMode      *rcModeParams `json:"rc_mode"`
	Expect      *expectParams `json:"expect"`
	TaskID      string        `json:"task_id"`
}

type rcModeParams struct {
	Enabled      *bool  `json:"enabled"`
	MarkerPrefix string `json:"marker_prefix"`
	MarkerSuffix string `json:"marker_suffix"`
}

func (d *Dispatcher) dispatchExec(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p execToolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid exec params: %v", err)
	}
	s, err := d.Registry.Get(p.SessionID)
	if err != nil {
		return nil, err
	}

	timeout := p.TimeoutMs
	if timeout == 0 {
		timeout = 60000
	}

	rc := session.RCMode{Enabled: true, MarkerPrefix: "\x1eRC=", MarkerSuffix: "\x1f"}
	if p.RCMode != nil {
		if p.RCMode.Enabled != nil {
			rc.Enabled = *p.RCMode.Enabled
		}
		if p.RCMode.MarkerPrefix != "" {
			rc.MarkerPrefix = p.RCMode.MarkerPrefix
			rc.Overridden = true
		}
		if p.RCMode.MarkerSuffix != "" {
			rc.MarkerSuffix = p.RCMode.MarkerSuffix
			rc.Overridden = true
		}
	}

	opts := session.ExecOptions{
		Cmd:         p.Cmd,
		TimeoutMs:   timeout,
		UntilIdleMs: p.UntilIdleMs,
		RCMode:      rc,
		TaskID:      p.TaskID,
	}
	if p.Expect != nil {
		opts.PromptRegex = p.Expect.PromptRegex
		opts.ErrorRegexes = p.Expect.ErrorRegexes
	} else {
		cfg := s.GetExpect()
		opts.PromptRegex = cfg.PromptRegex
		opts.ErrorRegexes = cfg.ErrorRegexes
	}

	res, err := s.Exec(opts)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"stdout":          res.Stdout,
		"stderr":          res.Stderr,
		"done_reason":     res.DoneReason,
		"prompt_detected": res.PromptDetected,
		"timed_out":       res.TimedOut,
		"duration_ms":     res.DurationMs,
	}
	if res.ExitCode != nil {
		out["exit_code"] = *res.ExitCode
	}
	if res.ExitCodeReason != "" {
		out["exit_code_reason"] = res.ExitCodeReason
	}
	if len(res.ErrorHints) > 0 {
		out["error_hints"] = res.ErrorHints
	}
	return out, nil
}

// --- ptyctl_session_io ---

type ioToolParams struct {
	Action         string   `json:"action"`
	SessionID      string   `json:"session_id"`
	Data           *string  `json:"data"`
	Key            string   `json:"key"`
	Encoding       string   `json:"encoding"`
	Sensitive      bool     `json:"sensitive"`
	TaskID         string   `json:"task_id"`
	Mode           string   `json:"mode"`
	Cursor         int64    `json:"cursor"`
	MaxBytes       int      `json:"max_bytes"`
	MaxLines       int      `json:"max_lines"`
	TimeoutMs      int      `json:"timeout_ms"`
	UntilRegex     string   `json:"until_regex"`
	IncludeMatch   bool     `json:"include_match"`
	UntilIdleMs    int      `json:"until_idle_ms"`
	WaitForRegexes []string `json:"wait_for_regexes"`
}

func (d *Dispatcher) dispatchIO(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p ioToolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid io params: %v", err)
	}
	s, err := d.Registry.Get(p.SessionID)
	if err != nil {
		return nil, err
	}

	switch p.Action {
	case "write":
		encoding := p.Encoding
		if encoding == "" {
			encoding = "utf-8"
		}
		var data []byte
		if p.Data != nil {
			data = []byte(*p.Data)
		}
		n, err := s.Write(data, p.Key, encoding, p.Sensitive, p.TaskID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "bytes_written": n}, nil

	case "read":
		mode := session.ReadModeCursor
		if p.Mode == "tail" {
			mode = session.ReadModeTail
		}
		timeout := p.TimeoutMs
		if timeout == 0 {
			timeout = 30000
		}
		resp, err := s.Read(session.ReadOptions{
			Mode:            mode,
			Cursor:          p.Cursor,
			MaxBytes:        p.MaxBytes,
			MaxLines:        p.MaxLines,
			TimeoutMs:       timeout,
			UntilRegexSrc:   p.UntilRegex,
			IncludeMatch:    p.IncludeMatch,
			UntilIdleMs:     p.UntilIdleMs,
			WaitForRegexSrc: p.WaitForRegexes,
		})
		if err != nil {
			return nil, err
		}
		data := string(resp.Bytes)
		encoding := resp.Encoding
		if encoding == "base64" {
			data = base64.StdEncoding.EncodeToString(resp.Bytes)
		} else {
			encoding = "utf-8"
		}
		return map[string]interface{}{
			"success":           true,
			"data":              data,
			"next_cursor":       resp.NextCursor,
			"matched":           resp.Matched,
			"idle_reached":      resp.IdleReached,
			"timed_out":         resp.TimedOut,
			"truncated":         resp.Truncated,
			"dropped_bytes":     resp.DroppedBytes,
			"waiting_for_input": resp.WaitingForInput,
			"encoding":          encoding,
			"eof":               resp.EOF,
		}, nil

	default:
		return nil, ptyerr.New(ptyerr.InvalidArgument, "unknown action %q for ptyctl_session_io", p.Action)
	}
}

// --- ptyctl_session_config ---

type configToolParams struct {
	Action       string   `json:"action"`
	SessionID    string   `json:"session_id"`
	Cols         int      `json:"cols"`
	Rows         int      `json:"rows"`
	PromptRegex  string   `json:"prompt_regex"`
	PagerRegexes []string `json:"pager_regexes"`
	ErrorRegexes []string `json:"error_regexes"`
}

func (d *Dispatcher) dispatchConfig(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p configToolParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "invalid config params: %v", err)
	}
	s, err := d.Registry.Get(p.SessionID)
	if err != nil {
		return nil, err
	}

	switch p.Action {
	case "resize":
		if err := s.Resize(p.Cols, p.Rows); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	case "expect":
		s.SetExpect(session.ExpectConfig{
			PromptRegex:  p.PromptRegex,
			PagerRegexes: p.PagerRegexes,
			ErrorRegexes: p.ErrorRegexes,
		})
		return map[string]interface{}{"success": true}, nil
	case "get":
		cfg := s.GetExpect()
		return map[string]interface{}{
			"success":       true,
			"prompt_regex":  cfg.PromptRegex,
			"pager_regexes": cfg.PagerRegexes,
			"error_regexes": cfg.ErrorRegexes,
		}, nil
	default:
		return nil, ptyerr.New(ptyerr.InvalidArgument, "unknown action %q for ptyctl_session_config", p.Action)
	}
}
