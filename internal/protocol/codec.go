package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// codec is shared by every hot path that encodes or decodes wire JSON.
var codec = sonic.ConfigStd

// Marshal encodes v as compact JSON.
func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return codec.Valid(data)
}

// MarshalLine encodes v followed by a single newline, the NDJSON framing
// spoken by the in-container agent.
func MarshalLine(v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// CompactLine re-emits the JSON document data on one line followed by a
// newline. Key order and number literals are kept as the sender wrote them.
func CompactLine(data []byte) ([]byte, error) {
	out, err := codec.Marshal(json.RawMessage(data))
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
