package tabdb

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeValue encodes a stored record or row. Map keys are sorted so that
// identical rows produce identical bytes.
func encodeValue(v any) []byte {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.ResetDict(&buf, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
	}
	return buf.Bytes()
}

func decodeValue(data []byte, v any) error {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(data, 0, err, "failed to decode msgpack into %T", v)
	}
	return nil
}

func encodeRow(row Row) []byte {
	return encodeValue(map[string]any(row))
}

func decodeRow(data []byte) (Row, error) {
	var m map[string]any
	err := decodeValue(data, &m)
	if err != nil {
		return nil, err
	}
	return NormalizeRow(m), nil
}
