package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"

	go_json "github.com/goccy/go-json"
)

// GenerateKey hashes the delivery identity with a canonical rendering of the
// payload, so object key order never changes the key.
func GenerateKey(externalID, eventType string, payload []byte) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(externalID))
	h.Write([]byte(":"))
	h.Write([]byte(eventType))
	h.Write([]byte(":"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize re-encodes a JSON document with object keys sorted at every
// depth. Numbers keep their original text.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := go_json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, val)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, v any) error {
	data, err := go_json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload value: %w", err)
	}
	buf.Write(data)
	return nil
}
