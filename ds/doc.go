// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ds provides optional DNS-SD (mDNS) discovery for ptyctld.
// Inspired by http://man.cat-v.org/inferno/8/cs
//
// A ptyctld instance may advertise itself under _ptyctl._tcp so that
// ptyctl-attach's -discover flag can resolve a dnssd:// target to a host
// and port; attach still connects through the local control socket.
// Beyond basic resolution, the advertised TXT record
// carries live load/memory/session-count metadata so a caller can
// pick the least-loaded instance among several candidates.
package ds
