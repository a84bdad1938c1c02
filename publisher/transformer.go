package publisher

import (
	"encoding/json"

	"github.com/waterlinehq/waterline/encoding"
)

func init() {
	RegisterTransformer("", func() Transformer { return JSONTransformer{} })
	RegisterTransformer("json", func() Transformer { return JSONTransformer{} })
	RegisterTransformer("msgpack", func() Transformer { return MsgpackTransformer{} })
}

// JSONTransformer emits marker events as JSON objects.
type JSONTransformer struct{}

func (JSONTransformer) Transform(event MarkerEvent) ([]byte, error) {
	return json.Marshal(event)
}

// MsgpackTransformer emits marker events in msgpack, matching the wire
// encoding used everywhere else in waterline.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event MarkerEvent) ([]byte, error) {
	return encoding.Marshal(event)
}
