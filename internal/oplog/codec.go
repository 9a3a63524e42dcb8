package oplog

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the on-disk framing of every entry: the variant tag, the
// variant's own schema version, and the msgpack-encoded variant body.
type envelope struct {
	_msgpack struct{}           `msgpack:",as_array"`
	Tag      uint8              `msgpack:"tag"`
	Version  uint8              `msgpack:"version"`
	Body     msgpack.RawMessage `msgpack:"body"`
}

// currentVersions lists variants whose schema changed. Every other kind is
// at version 1.
var currentVersions = map[Kind]uint8{
	// v2 added OriginalBeginIndex.
	KindBeginRemoteTransaction: 2,
}

func currentVersion(k Kind) uint8 {
	if v, ok := currentVersions[k]; ok {
		return v
	}
	return 1
}

// beginRemoteTransactionV1 is the schema written before retried
// transactions were linked to their original begin entry.
type beginRemoteTransactionV1 struct {
	Stamp
	TransactionID string `msgpack:"transaction_id"`
}

// Encode serializes an entry into its envelope.
func Encode(e Entry) ([]byte, error) {
	if u, ok := e.(*Unknown); ok {
		// Entries this binary could not read are written back verbatim.
		return msgpack.Marshal(&envelope{Tag: u.Tag, Version: u.Version, Body: u.Raw})
	}
	body, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", e.Kind(), err)
	}
	data, err := msgpack.Marshal(&envelope{Tag: uint8(e.Kind()), Version: currentVersion(e.Kind()), Body: body})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode deserializes an envelope. Tags and versions this binary does not
// know decode to *Unknown instead of failing, so logs written by a newer
// executor remain replayable.
func Decode(data []byte) (Entry, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	kind := Kind(env.Tag)

	entry, known := newEntry(kind)
	if !known || env.Version > currentVersion(kind) || env.Version == 0 {
		u := decodeUnknown(env)
		u.normalize()
		return u, nil
	}

	if kind == KindBeginRemoteTransaction && env.Version == 1 {
		var v1 beginRemoteTransactionV1
		if err := msgpack.Unmarshal(env.Body, &v1); err != nil {
			return nil, fmt.Errorf("decode %s v1 body: %w", kind, err)
		}
		v1.normalize()
		return &BeginRemoteTransaction{Stamp: v1.Stamp, TransactionID: v1.TransactionID}, nil
	}

	if err := msgpack.Unmarshal(env.Body, entry); err != nil {
		return nil, fmt.Errorf("decode %s v%d body: %w", kind, env.Version, err)
	}
	entry.normalize()
	return entry, nil
}

func decodeUnknown(env envelope) *Unknown {
	u := &Unknown{Tag: env.Tag, Version: env.Version, Raw: append([]byte(nil), env.Body...)}
	// Every known schema starts with the timestamp, so try to recover it.
	var s Stamp
	if err := msgpack.Unmarshal(env.Body, &s); err == nil {
		u.Timestamp = s.Timestamp
	}
	return u
}

// PeekKind returns the kind tag of an encoded entry without decoding its
// body. Tags this binary does not know report KindUnknown.
func PeekKind(data []byte) (Kind, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return KindUnknown, fmt.Errorf("decode envelope: %w", err)
	}
	kind := Kind(env.Tag)
	if _, known := newEntry(kind); !known || env.Version == 0 || env.Version > currentVersion(kind) {
		return KindUnknown, nil
	}
	return kind, nil
}
