package encode

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
)

// Steganographic is the real encode/decode collaborator: it embeds
// payload bytes into the low bit of each carrier pixel's alpha
// channel and returns the resulting PNG, mirroring the alpha-channel
// embedding original_source/'s Rust `steganography` crate performed
// (Encoder.encode_alpha / Decoder.decode_alpha).
type Steganographic struct{}

// lengthPrefix is the number of bytes used to record the payload
// length ahead of the payload itself, so Decode knows where the
// embedded data ends.
const lengthPrefix = 4

// Encode loads carrierPath as an image, embeds len(payload)-prefixed
// payload bytes one bit per pixel into the alpha channel, and returns
// the encoded image as PNG bytes. The carrier must have enough pixels
// to hold 8*(len(payload)+lengthPrefix) bits, or Encode fails with
// ErrEncodeFailed.
func (Steganographic) Encode(payload []byte, carrierPath string) ([]byte, error) {
	f, err := os.Open(carrierPath)
	if err != nil {
		return nil, ErrEncodeFailed
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, ErrEncodeFailed
	}

	framed := make([]byte, lengthPrefix+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[lengthPrefix:], payload)

	bounds := src.Bounds()
	if bounds.Dx()*bounds.Dy() < len(framed)*8 {
		return nil, ErrEncodeFailed
	}

	dst := image.NewNRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	bitIdx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y && bitIdx < len(framed)*8; y++ {
		for x := bounds.Min.X; x < bounds.Max.X && bitIdx < len(framed)*8; x++ {
			bit := (framed[bitIdx/8] >> uint(7-bitIdx%8)) & 1
			i := dst.PixOffset(x, y)
			dst.Pix[i+3] = (dst.Pix[i+3] &^ 1) | bit
			bitIdx++
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, ErrEncodeFailed
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode: it reads the alpha-channel low
// bits back out of a PNG produced by Encode and returns the original
// payload.
func (Steganographic) Decode(encoded []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		b := img.Bounds()
		tmp := image.NewNRGBA(b)
		draw.Draw(tmp, b, img, b.Min, draw.Src)
		nrgba = tmp
	}

	bounds := nrgba.Bounds()
	headerBits := lengthPrefix * 8
	if bounds.Dx()*bounds.Dy() < headerBits {
		return nil, ErrEncodeFailed
	}

	readBits := func(n int) []byte {
		out := make([]byte, (n+7)/8)
		bitIdx := 0
		for y := bounds.Min.Y; y < bounds.Max.Y && bitIdx < n; y++ {
			for x := bounds.Min.X; x < bounds.Max.X && bitIdx < n; x++ {
				i := nrgba.PixOffset(x, y)
				bit := nrgba.Pix[i+3] & 1
				out[bitIdx/8] |= bit << uint(7-bitIdx%8)
				bitIdx++
			}
		}
		return out
	}

	header := readBits(headerBits)
	length := binary.BigEndian.Uint32(header)

	total := int(length)*8 + headerBits
	if bounds.Dx()*bounds.Dy() < total {
		return nil, ErrEncodeFailed
	}
	all := readBits(total)
	return all[lengthPrefix:], nil
}
