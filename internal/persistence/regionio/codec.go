package regionio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// Frame layout: magic(4) version(1) kind(1) compression(1) reserved(1)
// checksum(8), followed by the possibly compressed payload. The checksum is
// xxh3 over the uncompressed payload.
const (
	headerSize   = 16
	frameVersion = 1
)

var frameMagic = []byte("VCRG")

type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("Compression(%d)", uint8(c))
}

func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "zstd":
		return CompressionZstd, nil
	case "none":
		return CompressionNone, nil
	}
	return 0, fmt.Errorf("regionio: unknown compression %q", s)
}

// Codec frames payloads for storage. It is safe for concurrent use.
type Codec struct {
	compression Compression
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func NewCodec(c Compression) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("regionio: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("regionio: zstd decoder: %w", err)
	}
	return &Codec{compression: c, enc: enc, dec: dec}, nil
}

func (c *Codec) Compression() Compression { return c.compression }

// Encode frames payload as a stored value of the given kind.
func (c *Codec) Encode(kind Kind, payload []byte) []byte {
	sum := xxh3.Hash(payload)
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, frameMagic)
	out[4] = frameVersion
	out[5] = byte(kind)
	out[6] = byte(c.compression)
	binary.BigEndian.PutUint64(out[8:], sum)
	if c.compression == CompressionZstd {
		return c.enc.EncodeAll(payload, out)
	}
	return append(out, payload...)
}

// Decode verifies a frame and returns its payload.
func (c *Codec) Decode(kind Kind, frame []byte) ([]byte, error) {
	if len(frame) < headerSize || !bytes.Equal(frame[:4], frameMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if frame[4] != frameVersion {
		return nil, fmt.Errorf("%w: frame version %d", ErrCorrupt, frame[4])
	}
	if Kind(frame[5]) != kind {
		return nil, fmt.Errorf("%w: frame holds %s, want %s", ErrCorrupt, Kind(frame[5]), kind)
	}
	body := frame[headerSize:]
	var payload []byte
	switch Compression(frame[6]) {
	case CompressionNone:
		payload = bytes.Clone(body)
	case CompressionZstd:
		var err error
		if payload, err = c.dec.DecodeAll(body, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrCorrupt, frame[6])
	}
	if xxh3.Hash(payload) != binary.BigEndian.Uint64(frame[8:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return payload, nil
}

// frameChecksum returns the checksum stored in a frame header.
func frameChecksum(frame []byte) uint64 {
	if len(frame) < headerSize {
		return 0
	}
	return binary.BigEndian.Uint64(frame[8:])
}

func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
