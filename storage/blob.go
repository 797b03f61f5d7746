package storage

import (
	"bytes"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

const blobVersion byte = 1

// ErrCorruptBlob is returned when a stored blob fails its checksum.
var ErrCorruptBlob = errors.New("storage: blob checksum mismatch")

// PutBlob stores payload under key prefixed with a version byte and a blake3
// digest of the payload.
func PutBlob(db Database, key []byte, payload []byte) error {
	if db == nil {
		return fmt.Errorf("storage: database not configured")
	}
	sum := blake3.Sum256(payload)
	buf := make([]byte, 0, 1+len(sum)+len(payload))
	buf = append(buf, blobVersion)
	buf = append(buf, sum[:]...)
	buf = append(buf, payload...)
	return db.Put(key, buf)
}

// GetBlob loads and verifies a blob written by PutBlob.
func GetBlob(db Database, key []byte) ([]byte, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: database not configured")
	}
	raw, err := db.Get(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < 33 {
		return nil, fmt.Errorf("%w: short blob", ErrCorruptBlob)
	}
	if raw[0] != blobVersion {
		return nil, fmt.Errorf("storage: unsupported blob version %d", raw[0])
	}
	payload := raw[33:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], raw[1:33]) {
		return nil, ErrCorruptBlob
	}
	return append([]byte(nil), payload...), nil
}
