package stream

import (
	"github.com/fxamacker/cbor/v2"
)

// Stored payloads use deterministic CBOR with RFC 3339 timestamps so the
// same record always produces the same bytes and keeps sub-second
// precision.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("stream: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("stream: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a record into the form the queue stores. Collectors
// call it before Enqueue.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}
