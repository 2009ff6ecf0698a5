package creds

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// KeyMaterial is raw cryptographic key bytes. It is written as base64 but
// also reads the array-of-bytes forms older writers produced: a bare JSON
// array of byte values or {"type":"Buffer","data":[...]}.
type KeyMaterial []byte

func (k KeyMaterial) MarshalJSON() ([]byte, error) {
	if k == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(k))
}

func (k *KeyMaterial) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*k = nil
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("key material: %w", err)
		}
		*k = raw
		return nil
	case '[':
		raw, err := decodeByteArray(b)
		if err != nil {
			return err
		}
		*k = raw
		return nil
	case '{':
		var buf struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &buf); err != nil {
			return err
		}
		if buf.Type != "Buffer" {
			return fmt.Errorf("key material: unexpected object type %q", buf.Type)
		}
		if len(buf.Data) > 0 && buf.Data[0] == '"' {
			return k.UnmarshalJSON(buf.Data)
		}
		raw, err := decodeByteArray(buf.Data)
		if err != nil {
			return err
		}
		*k = raw
		return nil
	}
	return fmt.Errorf("key material: unsupported encoding %q", string(b[:1]))
}

func decodeByteArray(b []byte) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return nil, fmt.Errorf("key material: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("key material: byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}
