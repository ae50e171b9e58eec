package persist

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrSerialization marks values that could not be encoded or decoded.
var ErrSerialization = errors.New("serialization error")

// Codec converts values of type V to and from bytes. It is the storage
// contract for the value half of a persisted entry.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

type msgpackCodec[V any] struct{}

// Msgpack returns a Codec using github.com/vmihailenco/msgpack/v5. Struct
// fields must be exported to survive a round trip; use msgpack tags to
// control field names.
func Msgpack[V any]() Codec[V] {
	return msgpackCodec[V]{}
}

func (msgpackCodec[V]) Encode(v V) ([]byte, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "msgpack encode"), ErrSerialization)
	}
	return buf, nil
}

func (msgpackCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := msgpack.Unmarshal(data, &v); err != nil {
		var zero V
		return zero, errors.Mark(errors.Wrap(err, "msgpack decode"), ErrSerialization)
	}
	return v, nil
}

type jsonCodec[V any] struct{}

// JSON returns a Codec using encoding/json, handy when entries should be
// readable with external tools.
func JSON[V any]() Codec[V] {
	return jsonCodec[V]{}
}

func (jsonCodec[V]) Encode(v V) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "json encode"), ErrSerialization)
	}
	return buf, nil
}

func (jsonCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		var zero V
		return zero, errors.Mark(errors.Wrap(err, "json decode"), ErrSerialization)
	}
	return v, nil
}

// record is the envelope written to storage.
type record struct {
	Timestamp int64  `msgpack:"t"` // unix milliseconds
	Value     []byte `msgpack:"v"`
}

func encodeRecord(r record) ([]byte, error) {
	buf, err := msgpack.Marshal(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "encode record"), ErrSerialization)
	}
	return buf, nil
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return record{}, errors.Mark(errors.Wrap(err, "decode record"), ErrSerialization)
	}
	if r.Timestamp <= 0 {
		return record{}, errors.Mark(errors.New("record has no timestamp"), ErrSerialization)
	}
	return r, nil
}
