// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package producers

import (
	"bytes"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Serialize renders a value as deterministic ASCII-safe JSON: map keys come
// out sorted and every rune above 0x7F is \u-escaped. Two equal events
// therefore always serialize to identical bytes, which downstream consumers
// rely on for deduplication.
func Serialize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serializing event: %w", err)
	}
	return escapeNonASCII(raw), nil
}

// escapeNonASCII rewrites JSON bytes so only ASCII remains. Runes outside
// the BMP become surrogate pairs, matching the JSON spec's \u escape form.
func escapeNonASCII(raw []byte) []byte {
	ascii := true
	for _, b := range raw {
		if b >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return raw
	}

	var buf bytes.Buffer
	buf.Grow(len(raw) + 16)
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		if r < utf8.RuneSelf {
			buf.WriteByte(raw[i])
			i++
			continue
		}
		if r <= 0xFFFF {
			fmt.Fprintf(&buf, `\u%04x`, r)
		} else {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&buf, `\u%04x\u%04x`, hi, lo)
		}
		i += size
	}
	return buf.Bytes()
}
