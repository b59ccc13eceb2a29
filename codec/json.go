package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec. It exists so headers written by
// tools outside this module can be read back.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used for newly written headers and manifests.
var Default Codec = GoJSON{}
