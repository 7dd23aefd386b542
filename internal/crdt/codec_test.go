package crdt

import (
	"errors"
	"testing"
)

func TestEncodeDecodeKeepsTombstones(t *testing.T) {
	doc := NewDoc("a")
	doc.Insert(0, "abc")
	doc.Delete(1, 1)

	u, err := Decode(doc.EncodeState())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	replica := NewDoc("b")
	replica.Apply(u)
	if got := replica.Text(); got != "ac" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestEmptyStateDecodes(t *testing.T) {
	if _, err := FromState("a", NewDoc("x").EncodeState()); err != nil {
		t.Fatalf("FromState() error = %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	valid := Encode(Update{Ops: []Op{{Kind: OpInsert, ID: ID{Client: "a", Clock: 1}, Text: "x"}}})
	cases := map[string][]byte{
		"empty":         nil,
		"bad header":    []byte("not a note"),
		"truncated":     valid[:len(valid)-1],
		"trailing":      append(append([]byte{}, valid...), 0x01),
		"unknown kind":  append(append([]byte{}, magic[:]...), 0x01, 0x09, 0x01, 'a', 0x01),
		"huge op count": append(append([]byte{}, magic[:]...), 0xff, 0x01),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(input)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}
