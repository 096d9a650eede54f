package keymap

import "testing"

func TestAliasNormalization(t *testing.T) {
	for _, name := range []string{"ctrl+c", "ctrl-c", "ctrl_c", "CTRL_C"} {
		seq, ok := Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
		if seq != "\x03" {
			t.Fatalf("Lookup(%q) = %q, want \\x03", name, seq)
		}
	}
}

func TestKnownKeys(t *testing.T) {
	cases := map[string]string{
		"enter":     "\r",
		"tab":       "\t",
		"esc":       "\x1b",
		"arrow-up":  "\x1b[A",
		"page_down": "\x1b[6~",
		"home":      "\x1b[H",
	}
	for name, want := range cases {
		got, ok := Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) not found", name)
		}
		if got != want {
			t.Fatalf("Lookup(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestUnknownKey(t *testing.T) {
	if _, ok := Lookup("not_a_key"); ok {
		t.Fatal("expected unknown key to be rejected")
	}
}
