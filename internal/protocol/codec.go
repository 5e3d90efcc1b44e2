package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Format selects the frame encoding. Agents pick one per frame: text frames
// carry JSON, binary frames carry CBOR.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// uuid.UUID implements encoding.BinaryMarshaler and travels as a 16-byte
	// string; canonical sorting keeps frames deterministic.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v in the given format.
func Marshal(f Format, v any) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(v)
	case FormatCBOR:
		return encMode.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported frame format %s", f)
	}
}

// Unmarshal decodes data in the given format into v.
func Unmarshal(f Format, data []byte, v any) error {
	switch f {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatCBOR:
		return decMode.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported frame format %s", f)
	}
}
