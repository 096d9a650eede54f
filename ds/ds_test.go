// Copyright 2022 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ds

import (
	"testing"
	"time"
)

func TestLookupOfUnknownServiceFails(t *testing.T) {
	v = t.Logf

	q := discoveryQuery{
		Type:   "_nobody._tcp",
		Domain: "local",
	}

	if _, _, err := Lookup(q); err == nil {
		t.Fatal("Lookup of unregistered service didn't fail")
	}
}

func TestRegisterAndLookupRoundTrip(t *testing.T) {
	v = t.Logf
	SetSessionCounter(func() int { return 3 })

	txt := make(map[string]string)
	DefaultTxt(txt)
	if err := Register("testInstance", "local", DefaultService, "", 17010, txt); err != nil {
		t.Fatalf("Register: %v != nil", err)
	}
	defer Unregister()
	time.Sleep(2 * time.Second)

	q := discoveryQuery{Type: DefaultService, Domain: "local"}
	if _, _, err := Lookup(q); err != nil {
		t.Error(err)
	}

	if _, err := Parse(DefaultURI); err != nil {
		t.Fatal(err)
	}
}

func TestParseKv(t *testing.T) {
	got := ParseKv("role=primary,region=us-east")
	if got["role"] != "primary" || got["region"] != "us-east" {
		t.Fatalf("got %+v", got)
	}
	if len(ParseKv("")) != 0 {
		t.Fatal("expected empty map for empty input")
	}
}
