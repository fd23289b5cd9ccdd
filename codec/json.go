package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Notes:
// - For payload maps and structs, JSON is stable and portable.
// - Time, complex numbers, funcs, channels, etc may not be supported.
//
// If you need custom encoding (e.g. protobuf/msgpack), implement Codec and
// set it on the queue/snapshot writers where supported.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used by the library.
var Default Codec = GoJSON{}
