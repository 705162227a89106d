// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"bytes"
	"strings"
	"testing"
)

func TestSerializeEscapesNonASCII(t *testing.T) {
	got, err := Serialize(map[string]interface{}{"tag": "café"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	want := "{\"tag\":\"caf\\u00e9\"}"
	if string(got) != want {
		t.Errorf("Serialize = %s, want %s", got, want)
	}
}

func TestSerializeSurrogatePairs(t *testing.T) {
	got, err := Serialize(map[string]interface{}{"tag": "\U0001F680"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(got), "\\ud83d\\ude80") {
		t.Errorf("Serialize = %s, want surrogate pair for U+1F680", got)
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	value := map[string]interface{}{
		"zebra":  1,
		"apple":  2,
		"mañana": 3,
	}
	first, err := Serialize(value)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Serialize(value)
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("serialization not deterministic: %s vs %s", first, again)
		}
	}
	// Sorted keys: apple before zebra.
	if strings.Index(string(first), "apple") > strings.Index(string(first), "zebra") {
		t.Errorf("keys not sorted: %s", first)
	}
}

func TestSerializeASCIIPassesThrough(t *testing.T) {
	got, err := Serialize(map[string]interface{}{"tag": "latest"})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if string(got) != `{"tag":"latest"}` {
		t.Errorf("Serialize = %s", got)
	}
}
