// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// v is the debug-print hook, installed by Verbose.
var (
	v      = func(string, ...interface{}) {}
	cancel = func() {}

	sessionCounter = func() int { return 0 }
)

// discoveryQuery is the parsed form of a dnssd:// lookup URI.
type discoveryQuery struct {
	Type   string
	Domain string
	Text   map[string][]string
}

const (
	DefaultURI = "dnssd:"
	DefaultService = "_ptyctl._tcp"
	lookupTimeout  = 1 * time.Second
	timeFormat     = "15:04:05.000"
	metadataUpdate = 60 * time.Second
)

// Verbose installs f as the debug-print function.
func Verbose(f func(string, ...interface{})) {
	v = f
}

// SetSessionCounter installs f as the source of truth for the
// "sessions" TXT record, refreshed on every metadataUpdate tick. A
// daemon wires this to its session registry's open-session count.
func SetSessionCounter(f func() int) {
	sessionCounter = f
}

func required(src map[string]string, req map[string][]string) bool {
	for k := range req {
		if !slices.Contains(req[k], src[k]) {
			return false
		}
	}
	return true
}

// Parse reads a dnssd://domain/_service._tcp/instance?key=value URI,
// following the dns-sd URI conventions CUPS established. Missing
// fields default to the ptyctl service type, the local domain, and the
// running process's own arch/os.
func Parse(uri string) (discoveryQuery, error) {
	result := discoveryQuery{
		Type:   DefaultService,
		Domain: "local",
	}

	u, err := url.Parse(uri)
	if err != nil {
		return result, fmt.Errorf("parsing discovery uri %s: %w", uri, err)
	}
	if u.Scheme != "dnssd" {
		return result, fmt.Errorf("not a dnssd uri: %s", uri)
	}

	if u.Host != "" {
		result.Domain = u.Host
	}
	if u.Path != "" {
		result.Type = u.Path
	}

	result.Text = u.Query()
	if len(result.Text["arch"]) == 0 {
		result.Text["arch"] = []string{runtime.GOARCH}
	}
	if len(result.Text["os"]) == 0 {
		result.Text["os"] = []string{runtime.GOOS}
	}

	return result, nil
}

// Lookup browses for one service instance matching query and returns
// its resolved host and port. ptyctl-attach's -discover flag reaches it
// through LookupURI and reports the result; attach itself still dials
// the local control socket.
func Lookup(query discoveryQuery) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	service := fmt.Sprintf("%s.%s.", strings.Trim(query.Type, "."), strings.Trim(query.Domain, "."))
	v("browsing for %s", service)

	respCh := make(chan *dnssd.BrowseEntry, 1)

	addFn := func(e dnssd.BrowseEntry) {
		v("%s add %s %s %s %s (%s)", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name, e.IPs)
		if required(e.Text, query.Text) {
			respCh <- &e
		}
	}
	rmvFn := func(e dnssd.BrowseEntry) {
		v("%s rmv %s %s %s %s", time.Now().Format(timeFormat), e.IfaceName, e.Domain, e.Type, e.Name)
	}

	go func() {
		if err := dnssd.LookupType(ctx, service, addFn, rmvFn); err != nil {
			v("lookup type: %v", err)
		}
		respCh <- nil
	}()

	e := <-respCh
	if e == nil {
		return "", "", errors.New("dnssd found no suitable ptyctld instance")
	}
	if len(e.IPs) > 1 {
		v("WARNING: more than one address advertised, using the first")
	}
	return e.IPs[0].String(), strconv.Itoa(e.Port), nil
}

// LookupURI parses a dnssd:// uri and resolves it to a host, port
// pair in one call, for callers (like ptyctl-attach's -discover flag)
// that have no other use for the intermediate query.
func LookupURI(uri string) (string, string, error) {
	q, err := Parse(uri)
	if err != nil {
		return "", "", err
	}
	return Lookup(q)
}

// ParseKv parses a comma-separated key=value string into a TXT map,
// as accepted by ptyctld's -dnssd-txt flag.
func ParseKv(arg string) map[string]string {
	txt := make(map[string]string)
	if len(arg) == 0 {
		return txt
	}
	for _, pair := range strings.Split(arg, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) > 1 {
			txt[kv[0]] = kv[1]
		} else {
			txt[kv[0]] = "true"
		}
	}
	return txt
}

// Unregister stops a previously started Register.
func Unregister() {
	v("stopping dns-sd responder")
	cancel()
}

// DefaultInstance derives an advertised instance name from the local
// hostname.
func DefaultInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "ptyctld"
	}
	return hostname + "-ptyctld"
}

// updateSysInfo refreshes txt with load/memory/session-count metadata,
// read through gopsutil so the same code works on the BSD and darwin
// hosts ptyctld targets, not just Linux.
func updateSysInfo(txt map[string]string) {
	if vm, err := mem.VirtualMemory(); err == nil {
		txt["mem_avail"] = strconv.FormatUint(vm.Available, 10)
		txt["mem_total"] = strconv.FormatUint(vm.Total, 10)
	} else {
		v("gopsutil mem.VirtualMemory: %v", err)
	}

	if la, err := load.Avg(); err == nil {
		txt["load1"] = fmt.Sprintf("%.2f", la.Load1)
		txt["load5"] = fmt.Sprintf("%.2f", la.Load5)
		txt["load_ratio"] = fmt.Sprintf("%.6f", la.Load1/float64(runtime.NumCPU()))
	} else {
		v("gopsutil load.Avg: %v", err)
	}

	txt["sessions"] = strconv.Itoa(sessionCounter())
	v("updateSysInfo %v", txt)
}

// DefaultTxt fills in arch/os/cores defaults for fields txt doesn't
// already set.
func DefaultTxt(txt map[string]string) {
	if len(txt["arch"]) == 0 {
		txt["arch"] = runtime.GOARCH
	}
	if len(txt["os"]) == 0 {
		txt["os"] = runtime.GOOS
	}
	if len(txt["cores"]) == 0 {
		txt["cores"] = strconv.Itoa(runtime.NumCPU())
	}
}

// Register advertises a ptyctld instance via mDNS/DNS-SD and starts a
// background loop refreshing its TXT metadata every metadataUpdate
// tick until Unregister is called.
func Register(instance, domain, service, iface string, port int, txt map[string]string) error {
	v("starting dns-sd responder")

	v("advertising: %s.%s.%s", strings.Trim(instance, "."), strings.Trim(service, "."), strings.Trim(domain, "."))

	ctx, ctxCancel := context.WithCancel(context.Background())
	cancel = ctxCancel

	resp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("dnssd new responder: %w", err)
	}

	var ifaces []string
	if len(iface) > 0 {
		ifaces = append(ifaces, iface)
	}
	if len(instance) == 0 {
		instance = DefaultInstance()
	}

	DefaultTxt(txt)
	updateSysInfo(txt)

	cfg := dnssd.Config{
		Name:   instance,
		Type:   service,
		Domain: domain,
		Port:   port,
		Ifaces: ifaces,
		Text:   txt,
	}
	srv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("dnssd new service: %w", err)
	}

	var mu sync.Mutex
	go func() {
		time.Sleep(1 * time.Second)
		handle, err := resp.Add(srv)
		if err != nil {
			v("dnssd add: %v", err)
			return
		}
		v("%s registered and active", time.Now().Format(timeFormat))

		ticker := time.NewTicker(metadataUpdate)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				updateSysInfo(txt)
				handle.UpdateText(txt, resp)
				mu.Unlock()
			}
		}
	}()

	go func() {
		if err := resp.Respond(ctx); err != nil && ctx.Err() == nil {
			v("dnssd respond: %v", err)
		}
	}()

	return nil
}
