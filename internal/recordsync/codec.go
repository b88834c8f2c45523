package recordsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// canonicalJSON renders a field map with sorted keys so equal payloads
// always serialize identically, independent of map iteration order.
func canonicalJSON(fields map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, fields); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}

func fieldsEqual(a, b map[string]any) bool {
	left, errA := canonicalJSON(a)
	right, errB := canonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// deriveMutationID builds the idempotency key for a mutation without a
// caller-supplied id: identical re-submissions hash to the same key.
func deriveMutationID(collectionID, recordID string, payload map[string]any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload not serializable: %v", ErrInvalidPayload, err)
	}
	hasher := sha256.New()
	hasher.Write([]byte(collectionID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(recordID))
	hasher.Write([]byte{0})
	hasher.Write(canonical)
	return "mut_" + hex.EncodeToString(hasher.Sum(nil))[:32], nil
}
