// Package chunkcodec defines the versioned on-disk blob for one chunk.
//
// Layout (little endian):
//
//	magic    [4]byte  "VXCK"
//	version  uint16
//	flags    uint16   reserved, zero
//	x, y, z  int32    chunk coordinate
//	rawLen   uint32   length of the uncompressed payload
//	checksum uint64   xxhash64 of the uncompressed payload
//	payload  zstd(uint16 blocks, x fastest, then z, then y)
package chunkcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"voxelstream.ai/internal/sim/coord"
	"voxelstream.ai/internal/sim/voxel"
)

const Version uint16 = 1

const headerLen = 4 + 2 + 2 + 4*3 + 4 + 8

var magic = [4]byte{'V', 'X', 'C', 'K'}

// ErrFormat marks blobs that are corrupt or written by an unsupported version.
var ErrFormat = errors.New("chunk format")

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	// EncodeAll/DecodeAll are safe for concurrent use on shared instances.
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(4<<20))
	if err != nil {
		panic(err)
	}
}

// Header is the fixed prefix of a blob.
type Header struct {
	Version  uint16
	Coord    coord.ChunkCoord
	RawLen   uint32
	Checksum uint64
}

func Encode(c coord.ChunkCoord, buf *voxel.Buffer) ([]byte, error) {
	if buf == nil {
		return nil, fmt.Errorf("encode %s: nil buffer", c)
	}
	if buf.Version != voxel.FormatVersion {
		return nil, fmt.Errorf("encode %s: buffer version %d: %w", c, buf.Version, ErrFormat)
	}
	raw := buf.AppendRaw(make([]byte, 0, voxel.Volume*2))

	out := make([]byte, headerLen, headerLen+len(raw)/4)
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], Version)
	binary.LittleEndian.PutUint16(out[6:8], 0)
	binary.LittleEndian.PutUint32(out[8:12], uint32(int32(c.X)))
	binary.LittleEndian.PutUint32(out[12:16], uint32(int32(c.Y)))
	binary.LittleEndian.PutUint32(out[16:20], uint32(int32(c.Z)))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(raw)))
	binary.LittleEndian.PutUint64(out[24:32], xxhash.Sum64(raw))
	return encoder.EncodeAll(raw, out), nil
}

// ReadHeader parses the fixed prefix without touching the payload.
func ReadHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < headerLen {
		return h, fmt.Errorf("short blob (%d bytes): %w", len(data), ErrFormat)
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return h, fmt.Errorf("bad magic %q: %w", data[0:4], ErrFormat)
	}
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.Coord = coord.ChunkCoord{
		X: int(int32(binary.LittleEndian.Uint32(data[8:12]))),
		Y: int(int32(binary.LittleEndian.Uint32(data[12:16]))),
		Z: int(int32(binary.LittleEndian.Uint32(data[16:20]))),
	}
	h.RawLen = binary.LittleEndian.Uint32(data[20:24])
	h.Checksum = binary.LittleEndian.Uint64(data[24:32])
	return h, nil
}

// Decode parses a blob written by Encode.
func Decode(data []byte) (coord.ChunkCoord, *voxel.Buffer, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return coord.ChunkCoord{}, nil, err
	}
	if h.Version != Version {
		return h.Coord, nil, fmt.Errorf("unsupported version %d (want %d): %w", h.Version, Version, ErrFormat)
	}
	if h.RawLen != voxel.Volume*2 {
		return h.Coord, nil, fmt.Errorf("payload length %d (want %d): %w", h.RawLen, voxel.Volume*2, ErrFormat)
	}
	raw, err := decoder.DecodeAll(data[headerLen:], make([]byte, 0, h.RawLen))
	if err != nil {
		return h.Coord, nil, fmt.Errorf("zstd: %v: %w", err, ErrFormat)
	}
	if uint32(len(raw)) != h.RawLen {
		return h.Coord, nil, fmt.Errorf("decoded %d bytes (want %d): %w", len(raw), h.RawLen, ErrFormat)
	}
	if xxhash.Sum64(raw) != h.Checksum {
		return h.Coord, nil, fmt.Errorf("checksum mismatch: %w", ErrFormat)
	}

	buf := voxel.New()
	for i := range buf.Blocks {
		buf.Blocks[i] = voxel.Block(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return h.Coord, buf, nil
}

// DecodeFor decodes a blob and checks it belongs to c.
func DecodeFor(c coord.ChunkCoord, data []byte) (*voxel.Buffer, error) {
	got, buf, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", c, err)
	}
	if got != c {
		return nil, fmt.Errorf("decode %s: blob is for %s: %w", c, got, ErrFormat)
	}
	return buf, nil
}
