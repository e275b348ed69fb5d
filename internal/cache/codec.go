package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// Wire format: 4-byte magic, 1-byte version, gzip-compressed gob stream.
const entryMagic = "DCCE"

const codecVersion = 1

// Encode serializes an entry. The output is deterministic for a given entry
// value: gob field order is fixed by the type and the gzip header carries no
// timestamp, so recomputing an entry reproduces its bytes exactly.
func Encode(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entryMagic)
	buf.WriteByte(codecVersion)

	zw := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(e); err != nil {
		return nil, fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses an encoded entry, rejecting unknown magic or versions before
// touching the payload.
func Decode(data []byte) (*Entry, error) {
	if len(data) < len(entryMagic)+1 {
		return nil, fmt.Errorf("cache entry truncated at %d bytes", len(data))
	}
	if string(data[:len(entryMagic)]) != entryMagic {
		return nil, fmt.Errorf("cache entry has magic %q, want %q", data[:len(entryMagic)], entryMagic)
	}
	if v := data[len(entryMagic)]; v != codecVersion {
		return nil, fmt.Errorf("cache entry version %d, want %d", v, codecVersion)
	}

	zr, err := gzip.NewReader(bytes.NewReader(data[len(entryMagic)+1:]))
	if err != nil {
		return nil, fmt.Errorf("decompressing cache entry: %w", err)
	}
	defer zr.Close()

	var e Entry
	if err := gob.NewDecoder(zr).Decode(&e); err != nil {
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}
	return &e, nil
}
