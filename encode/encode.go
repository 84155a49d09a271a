// Package encode provides the external image-transform collaborator
// the coordination core treats as opaque: Encoder turns a request
// payload into reply bytes, Decoder inverts it client-side. Tests
// substitute Identity to decouple transport correctness from image
// processing, per the spec.
package encode

import "errors"

// ErrEncodeFailed is returned when the encode collaborator cannot
// complete its transform. It is fatal to the in-flight request: the
// leader abandons the reply and clears in-progress.
var ErrEncodeFailed = errors.New("encode: encode failed")

// Encoder is the leader-side collaborator contract: encode(payload,
// carrier_path) -> bytes.
type Encoder interface {
	Encode(payload []byte, carrierPath string) ([]byte, error)
}

// Decoder is the client-side collaborator contract: decode(encoded)
// -> bytes.
type Decoder interface {
	Decode(encoded []byte) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(payload []byte, carrierPath string) ([]byte, error)

// Encode implements Encoder.
func (f EncoderFunc) Encode(payload []byte, carrierPath string) ([]byte, error) {
	return f(payload, carrierPath)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(encoded []byte) ([]byte, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(encoded []byte) ([]byte, error) {
	return f(encoded)
}

// Identity is a reversible mock collaborator: Encode returns payload
// unchanged (ignoring carrierPath), Decode is its exact inverse. The
// spec requires tests to substitute a mock like this one so transport
// correctness can be verified without depending on real image
// processing (R1).
var Identity = identityCodec{}

type identityCodec struct{}

func (identityCodec) Encode(payload []byte, _ string) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

func (identityCodec) Decode(encoded []byte) ([]byte, error) {
	out := make([]byte, len(encoded))
	copy(out, encoded)
	return out, nil
}
