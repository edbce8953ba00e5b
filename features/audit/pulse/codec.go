package pulse

import (
	"github.com/fxamacker/cbor/v2"

	"goa.design/callanalysis/runtime/audit"
)

// encMode encodes events with Core Deterministic Encoding so identical events
// produce identical payloads. Timestamps keep nanosecond precision.
var encMode cbor.EncMode

// decMode ignores unknown fields so older consumers keep decoding newer
// events.
var decMode cbor.DecMode

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("audit/pulse: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("audit/pulse: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes ev as CBOR.
func Marshal(ev audit.Event) ([]byte, error) {
	return encMode.Marshal(ev)
}

// Unmarshal decodes a CBOR payload produced by Marshal.
func Unmarshal(data []byte) (audit.Event, error) {
	var ev audit.Event
	err := decMode.Unmarshal(data, &ev)
	return ev, err
}
