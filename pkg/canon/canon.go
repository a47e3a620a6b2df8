package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

// Encode produces the canonical JSON byte representation of v. v is first
// marshaled with the standard library (so struct tags, omitempty, etc. are
// honored exactly as elsewhere in the codebase) and then rewritten with
// object keys sorted lexicographically and string escapes normalized.
// Numbers keep the text encoding/json produced for them; they are not
// rewritten into a single canonical form.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return EncodeRaw(raw)
}

// EncodeRaw re-canonicalizes an already-serialized JSON document. Useful
// when the caller has bytes from the wire and wants canonical form without
// round-tripping through a Go struct. Number literals are copied from raw
// as written.
func EncodeRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	if _, err := dec.Token(); err != nil && err.Error() != "EOF" {
		return nil, fmt.Errorf("canon: trailing data after document")
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether a and b canonicalize to byte-identical forms.
// It is the basis of every "immutable on non-identical content" conflict
// check in pkg/store.
func Equal(a, b any) (bool, error) {
	ca, err := Encode(a)
	if err != nil {
		return false, err
	}
	cb, err := Encode(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, t)
	case string:
		writeString(buf, t)
		return nil
	case map[string]any:
		return writeObject(buf, t)
	case []any:
		return writeArray(buf, t)
	default:
		return fmt.Errorf("canon: unsupported decoded type %T", v)
	}
}

func writeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := writeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeNumber re-emits the number exactly as json.Number captured it from
// the input text. It does not normalize it: 1, 1.0 and 1e0 stay three
// different byte sequences.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if s == "" {
		return fmt.Errorf("canon: empty number literal")
	}
	buf.WriteString(s)
	return nil
}

// writeString normalizes escape sequences: only the characters JSON
// requires to be escaped are escaped (quote, backslash, control chars),
// everything else — including '<', '>', '&', and non-ASCII runes — is
// emitted literally in UTF-8, so the same string always produces the same
// bytes regardless of what escaped it on the way in.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteString(s[i : i+size])
			}
		}
		i += size
	}
	buf.WriteByte('"')
}
