// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"

	"github.com/ptyctl/ptyctl/ptyerr"
)

// SSHConnector launches the system `ssh` binary as a subprocess against
// a local pseudoterminal. It never speaks the SSH wire protocol
// itself; golang.org/x/crypto/ssh is used only for host-key
// fingerprint comparison and private-key/passphrase validation ahead
// of handing credentials to the subprocess.
type SSHConnector struct{}

// Open implements Connector.
func (c *SSHConnector) Open(ctx context.Context, params OpenParams) (*OpenResult, error) {
	if params.Host == "" {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "host is required")
	}
	port := params.Port
	if port == 0 {
		port = 22
	}

	cfg, err := loadOpenSSHConfig(params.SSHOptions.ConfigPath)
	if err != nil {
		return nil, ptyerr.New(ptyerr.InvalidArgument, "reading ssh config: %v", err)
	}
	user := params.Username
	if params.SSHOptions.UseOpenSSHConfig && user == "" && cfg != nil {
		if v, _ := cfg.Get(params.Host, "User"); v != "" {
			user = v
		}
	}

	if params.SSHOptions.HostKeyFingerprint != "" {
		if err := verifyHostKeyFingerprint(ctx, params.Host, port, params.SSHOptions.HostKeyFingerprint); err != nil {
			return nil, err
		}
	}

	keyPath, cleanup, err := materializePrivateKey(params.Auth)
	if err != nil {
		return nil, err
	}

	args, askpass, err := buildSSHArgs(params, port, user, keyPath)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), askpass.env()...)

	cols, rows := params.PTY.Cols, params.PTY.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 40
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		if askpass.path != "" {
			os.Remove(askpass.path)
		}
		return nil, ptyerr.New(ptyerr.ConnectFailed, "starting ssh subprocess: %v", err)
	}

	h := &sshHandle{
		f:           f,
		cmd:         cmd,
		keyCleanup:  cleanup,
		askpassPath: askpass.path,
	}

	return &OpenResult{
		Handle:           h,
		PTYEnabled:       params.PTY.Enabled,
		SupportsResize:   true,
		SupportsExitCode: ExitCodeTrue,
	}, nil
}

type sshHandle struct {
	f           *os.File
	cmd         *exec.Cmd
	mu          sync.Mutex
	keyCleanup  func()
	askpassPath string
}

func (h *sshHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *sshHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }

func (h *sshHandle) Resize(cols, rows int) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close sends SIGTERM to the ssh process and waits for it to exit. With
// force, SIGTERM goes to the whole process group and, if the subprocess
// hasn't exited within 2 seconds, the group is sent SIGKILL and Close
// waits for the exit.
func (h *sshHandle) Close(force bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.f.Close()
	if h.askpassPath != "" {
		os.Remove(h.askpassPath)
	}
	if h.keyCleanup != nil {
		h.keyCleanup()
	}

	if h.cmd.Process == nil {
		return nil
	}

	if !force {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
		return errval(h.cmd.Wait())
	}

	_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()
	select {
	case err := <-done:
		return errval(err)
	case <-time.After(2 * time.Second):
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		return errval(<-done)
	}
}

// errval filters the "no child process" error a concurrent reaper can
// produce when it grabs the subprocess's exit state before cmd.Wait
// does.
func errval(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "no child process") {
		return nil
	}
	return err
}

func loadOpenSSHConfig(path string) (*ssh_config.Config, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ssh_config.Decode(f)
}

// verifyHostKeyFingerprint runs ssh-keyscan against host:port and
// compares each offered key's SHA256 fingerprint against want, using
// golang.org/x/crypto/ssh's parsing and fingerprint helpers.
func verifyHostKeyFingerprint(ctx context.Context, host string, port int, want string) error {
	out, err := exec.CommandContext(ctx, "ssh-keyscan", "-p", strconv.Itoa(port), host).Output()
	if err != nil {
		return ptyerr.New(ptyerr.ConnectFailed, "ssh-keyscan: %v", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pub, err := ssh.ParsePublicKey([]byte(strings.Join(fields[1:], " ")))
		if err != nil {
			// ssh-keyscan emits "host keytype base64" text, not the
			// binary wire format ParsePublicKey expects; the fields after
			// the host are in authorized_keys form, so decode that shape.
			key, _, _, _, perr := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
			if perr != nil {
				continue
			}
			pub = key
		}
		if ssh.FingerprintSHA256(pub) == want {
			return nil
		}
	}
	return ptyerr.New(ptyerr.HostkeyMismatch, "no host key from %s:%d matched fingerprint %s", host, port, want)
}

// materializePrivateKey validates a PEM private key (optionally
// passphrase-protected) and writes it to a 0600 temp file for -i, since
// the OpenSSH subprocess needs a file path, not in-memory key material.
func materializePrivateKey(auth Auth) (path string, cleanup func(), err error) {
	if auth.Method != AuthPrivateKey || auth.PrivateKeyPEM == "" {
		return "", nil, nil
	}

	if auth.Passphrase != "" {
		if _, err := ssh.ParsePrivateKeyWithPassphrase([]byte(auth.PrivateKeyPEM), []byte(auth.Passphrase)); err != nil {
			return "", nil, ptyerr.New(ptyerr.AuthFailed, "private key/passphrase invalid: %v", err)
		}
	} else if _, err := ssh.ParsePrivateKey([]byte(auth.PrivateKeyPEM)); err != nil {
		return "", nil, ptyerr.New(ptyerr.AuthFailed, "private key invalid: %v", err)
	}

	f, err := os.CreateTemp("", "ptyctl-key-*")
	if err != nil {
		return "", nil, ptyerr.New(ptyerr.IOError, "writing temporary key file: %v", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, ptyerr.New(ptyerr.IOError, "chmod temporary key file: %v", err)
	}
	if _, err := f.WriteString(auth.PrivateKeyPEM); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, ptyerr.New(ptyerr.IOError, "writing temporary key file: %v", err)
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// askpassConfig carries the environment needed to feed a password or
// key passphrase to ssh non-interactively via SSH_ASKPASS.
type askpassConfig struct {
	path   string
	secret string
}

func (a askpassConfig) env() []string {
	if a.path == "" {
		return nil
	}
	return []string{
		"SSH_ASKPASS=" + a.path,
		"SSH_ASKPASS_REQUIRE=force",
		"DISPLAY=:0",
	}
}

func newAskpass(secret string) (askpassConfig, error) {
	if secret == "" {
		return askpassConfig{}, nil
	}
	f, err := os.CreateTemp("", "ptyctl-askpass-*")
	if err != nil {
		return askpassConfig{}, ptyerr.New(ptyerr.IOError, "creating askpass helper: %v", err)
	}
	script := "#!/bin/sh\nprintf '%s' " + shellQuote(secret) + "\n"
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return askpassConfig{}, ptyerr.New(ptyerr.IOError, "writing askpass helper: %v", err)
	}
	f.Close()
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		os.Remove(f.Name())
		return askpassConfig{}, ptyerr.New(ptyerr.IOError, "chmod askpass helper: %v", err)
	}
	return askpassConfig{path: f.Name(), secret: secret}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func buildSSHArgs(params OpenParams, port int, user, keyPath string) ([]string, askpassConfig, error) {
	var args []string
	args = append(args, "-tt")
	args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(connectTimeoutSeconds(params.Timeouts)))

	switch params.SSHOptions.HostKeyPolicy {
	case HostKeyAcceptNew:
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	case HostKeyDisabled:
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	default:
		args = append(args, "-o", "StrictHostKeyChecking=yes")
	}
	if params.SSHOptions.KnownHostsPath != "" {
		args = append(args, "-o", "UserKnownHostsFile="+params.SSHOptions.KnownHostsPath)
	}
	if !params.SSHOptions.UseOpenSSHConfig {
		args = append(args, "-F", "/dev/null")
	} else if params.SSHOptions.ConfigPath != "" {
		args = append(args, "-F", params.SSHOptions.ConfigPath)
	}
	if params.SSHOptions.ProxyJump != "" {
		args = append(args, "-J", params.SSHOptions.ProxyJump)
	}

	var askpass askpassConfig
	var err error
	switch params.Auth.Method {
	case AuthPassword:
		args = append(args, "-o", "PreferredAuthentications=password", "-o", "PubkeyAuthentication=no")
		askpass, err = newAskpass(params.Auth.Password)
	case AuthPrivateKey:
		args = append(args, "-o", "PreferredAuthentications=publickey", "-o", "IdentitiesOnly=yes")
		if keyPath != "" {
			args = append(args, "-i", keyPath)
		}
		if params.Auth.Passphrase != "" {
			askpass, err = newAskpass(params.Auth.Passphrase)
		}
	case AuthAgent:
		args = append(args, "-o", "PreferredAuthentications=publickey")
	}
	if err != nil {
		return nil, askpassConfig{}, err
	}

	args = append(args, params.SSHOptions.ExtraArgs...)
	args = append(args, "-p", strconv.Itoa(port))
	target := params.Host
	if user != "" {
		target = fmt.Sprintf("%s@%s", user, params.Host)
	}
	args = append(args, target)
	return args, askpass, nil
}

func connectTimeoutSeconds(t Timeouts) int {
	if t.ConnectTimeoutMs <= 0 {
		return 15
	}
	secs := t.ConnectTimeoutMs / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}
