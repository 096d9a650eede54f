// Package keymap maps symbolic key names to the byte sequences a
// terminal expects for them.
package keymap

import (
	"fmt"
	"strings"
)

var table = map[string]string{
	"enter":     "\r",
	"tab":       "\t",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"esc":       "\x1b",

	"ctrl_backslash": "\x1c",

	"arrow_up":    "\x1b[A",
	"arrow_down":  "\x1b[B",
	"arrow_right": "\x1b[C",
	"arrow_left":  "\x1b[D",

	"page_up":   "\x1b[5~",
	"page_down": "\x1b[6~",
}

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		table[fmt.Sprintf("ctrl_%c", c)] = string([]byte{c - 'a' + 1})
	}
}

// normalize lowercases the name and folds '+' and '-' aliasing to '_'
// before table lookup, so "ctrl+c", "ctrl-c", and "ctrl_c" all resolve.
func normalize(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "+", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

// Lookup returns the byte sequence for a symbolic key name, after alias
// normalization. ok is false for an unrecognized name.
func Lookup(name string) (string, bool) {
	seq, ok := table[normalize(name)]
	return seq, ok
}
