package storage

import (
	"bytes"
	"encoding/binary"
	"strings"

	"go.etcd.io/bbolt"
)

const keySep = "\x00"

// joinKey builds a composite key from parts separated by NUL.
func joinKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySep))
}

func splitKey(k []byte) []string {
	return strings.Split(string(k), keySep)
}

func lastKeyPart(k []byte) string {
	if i := bytes.LastIndexByte(k, 0); i >= 0 {
		return string(k[i+1:])
	}
	return string(k)
}

// historyKey orders findings of one (provider, uid) by scan sequence.
func historyKey(providerID, uid string, sequence int64, findingID string) []byte {
	prefix := historyPrefix(providerID, uid)
	key := make([]byte, 0, len(prefix)+8+1+len(findingID))
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(sequence)) //nolint:gosec // sequences are positive
	key = append(key, 0)
	key = append(key, findingID...)
	return key
}

func historyPrefix(providerID, uid string) []byte {
	return append(joinKey(providerID, uid), 0)
}

func sequenceBound(providerID, uid string, sequence int64) []byte {
	prefix := historyPrefix(providerID, uid)
	return binary.BigEndian.AppendUint64(prefix, uint64(sequence)) //nolint:gosec // sequences are positive
}

// scanPrefix visits every key in b starting with prefix.
func scanPrefix(b *bbolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
