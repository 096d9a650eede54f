// Copyright 2018-2019 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ptyctl/ptyctl/expect"
	"github.com/ptyctl/ptyctl/ptyerr"
)

const (
	defaultMarkerPrefix = "\x1eRC="
	defaultMarkerSuffix = "\x1f"
)

// RCMode configures dual-marker exit-code recovery.
type RCMode struct {
	Enabled      bool
	MarkerPrefix string
	MarkerSuffix string
	// Overridden is true when the caller supplied either MarkerPrefix or
	// MarkerSuffix explicitly, which suppresses the ASCII fallback marker.
	Overridden bool
}

// ExecOptions configures Exec.
type ExecOptions struct {
	Cmd         string
	TimeoutMs   int
	UntilIdleMs int
	RCMode      RCMode
	PromptRegex string
	ErrorRegexes []string
	TaskID      string
}

// ExecResult is the outcome of Exec.
type ExecResult struct {
	Stdout         string
	Stderr         string
	ExitCode       *int
	ExitCodeReason string
	DoneReason     string
	PromptDetected bool
	ErrorHints     []string
	TimedOut       bool
	DurationMs     int64
}

// Exec composes cmd with completion markers, writes it, and watches
// the pump output for either marker, a configured prompt, idle
// quiescence, or timeout. It is lock-gated identically to Write.
func (s *Session) Exec(opts ExecOptions) (ExecResult, error) {
	start := time.Now()
	timeout := opts.TimeoutMs
	if timeout <= 0 {
		timeout = 60000
	}

	s.mu.Lock()
	if err := s.admitWrite(opts.TaskID); err != nil {
		s.mu.Unlock()
		return ExecResult{}, err
	}
	s.mu.Unlock()

	rc := opts.RCMode
	if rc.MarkerPrefix == "" {
		rc.MarkerPrefix = defaultMarkerPrefix
	}
	if rc.MarkerSuffix == "" {
		rc.MarkerSuffix = defaultMarkerSuffix
	}
	includeFallback := rc.Enabled && !rc.Overridden
	id := uuid.NewString()

	line := opts.Cmd
	var combined *regexp.Regexp
	if rc.Enabled {
		line = composeExecLine(opts.Cmd, rc.MarkerPrefix, rc.MarkerSuffix, id, includeFallback)
		combined = buildMarkerRegex(rc.MarkerPrefix, rc.MarkerSuffix, id, includeFallback)
	}

	startCursor := s.buf.EndCursor()
	if _, err := s.handle.Write([]byte(line + "\r")); err != nil {
		return ExecResult{}, ptyerr.New(ptyerr.IOError, "exec write: %v", err)
	}
	s.mu.Lock()
	s.touch()
	s.mu.Unlock()

	var promptRe *regexp.Regexp
	if opts.PromptRegex != "" {
		re, err := regexp.Compile(opts.PromptRegex)
		if err != nil {
			return ExecResult{}, ptyerr.New(ptyerr.InvalidArgument, "invalid prompt_regex: %v", err)
		}
		promptRe = re
	}
	errRegexes, err := compileAll(opts.ErrorRegexes)
	if err != nil {
		return ExecResult{}, err
	}

	res := expect.Run(s.buf, startCursor, expect.Options{
		TimeoutMs:    timeout,
		MaxBytes:     8 << 20,
		UntilRegex:   combined,
		IncludeMatch: true,
		UntilIdleMs:  opts.UntilIdleMs,
	})

	elapsed := time.Since(start).Milliseconds()
	result := ExecResult{DurationMs: elapsed}
	result.ErrorHints = matchErrorHints(res.Bytes, errRegexes)

	if res.Matched && combined != nil {
		exitCode, stdout := extractExitCode(res.Bytes, combined, promptRe)
		result.Stdout = stdout
		result.ExitCode = &exitCode
		result.DoneReason = "marker_seen"
		return result, nil
	}

	tail := res.Bytes
	if promptRe != nil && promptRe.Match(tail) {
		result.Stdout = stripTrailingPrompt(string(tail), promptRe)
		result.DoneReason = "prompt_seen"
		result.ExitCodeReason = "marker_not_seen"
		result.PromptDetected = true
		return result, nil
	}
	if opts.UntilIdleMs > 0 && res.IdleReached {
		result.Stdout = string(tail)
		result.DoneReason = "idle_reached"
		result.ExitCodeReason = "marker_not_seen"
		return result, nil
	}
	result.Stdout = string(tail)
	result.TimedOut = true
	result.DoneReason = "timeout"
	result.ExitCodeReason = "timeout"
	return result, nil
}

// composeExecLine appends completion-marker printf statements to cmd
// so its exit code can be recovered from the output stream.
func composeExecLine(cmd, prefix, suffix, id string, includeFallback bool) string {
	var b strings.Builder
	b.WriteString(cmd)
	b.WriteString("; __rc=$?; printf '")
	b.WriteString(prefix)
	b.WriteString("%d")
	b.WriteString(suffix)
	b.WriteString(`\n' $__rc`)
	if includeFallback {
		b.WriteString("; printf 'PTYCTL_RC_")
		b.WriteString(id)
		b.WriteString("=%d:END_")
		b.WriteString(id)
		b.WriteString(`\n' $__rc`)
	}
	return b.String()
}

// buildMarkerRegex builds the alternation that matches whichever marker
// survives the transport; the primary marker occurs first in the byte
// stream when both are present, so it is always the leftmost match.
func buildMarkerRegex(prefix, suffix, id string, includeFallback bool) *regexp.Regexp {
	primary := regexp.QuoteMeta(prefix) + `(?P<rc1>-?\d+)` + regexp.QuoteMeta(suffix)
	if !includeFallback {
		return regexp.MustCompile(primary)
	}
	fallback := `PTYCTL_RC_` + regexp.QuoteMeta(id) + `=(?P<rc2>-?\d+):END_` + regexp.QuoteMeta(id)
	return regexp.MustCompile("(?:" + primary + ")|(?:" + fallback + ")")
}

// extractExitCode parses the matched marker for its exit code and
// returns the stdout preceding the marker span.
func extractExitCode(window []byte, re *regexp.Regexp, promptRe *regexp.Regexp) (int, string) {
	loc := re.FindSubmatchIndex(window)
	if loc == nil {
		return 0, string(window)
	}
	stdout := string(window[:loc[0]])
	stdout = stripTrailingPrompt(stdout, promptRe)

	names := re.SubexpNames()
	for i, name := range names {
		if (name == "rc1" || name == "rc2") && loc[2*i] != -1 {
			if code, err := strconv.Atoi(string(window[loc[2*i]:loc[2*i+1]])); err == nil {
				return code, stdout
			}
		}
	}
	return 0, stdout
}

func stripTrailingPrompt(stdout string, promptRe *regexp.Regexp) string {
	if promptRe == nil {
		return stdout
	}
	if loc := promptRe.FindStringIndex(stdout); loc != nil && loc[1] == len(stdout) {
		return stdout[:loc[0]]
	}
	return stdout
}

func matchErrorHints(window []byte, res []*regexp.Regexp) []string {
	var hints []string
	for _, re := range res {
		if m := re.FindString(string(window)); m != "" {
			hints = append(hints, m)
		}
	}
	return hints
}
