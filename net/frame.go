package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/lcx/nexus/codec"
)

// PreHeadSize is the fixed length of the frame prefix: head size and body
// size, both little-endian uint32.
const PreHeadSize = 8

// DefaultMaxFrameSize bounds head+body of a single frame.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
	ErrFrameTooLarge = errors.New("frame too large")

	errEmptyHead = errors.New("frame head empty")
)

// PreHead is the frame prefix preceding every packet on a stream transport.
type PreHead struct {
	HeadSize uint32
	BodySize uint32
}

// EncodePreHead serializes the frame prefix.
func EncodePreHead(h *PreHead) []byte {
	buf := make([]byte, PreHeadSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.HeadSize)
	binary.LittleEndian.PutUint32(buf[4:8], h.BodySize)
	return buf
}

// DecodePreHead parses the frame prefix.
func DecodePreHead(buf []byte) (*PreHead, error) {
	if len(buf) < PreHeadSize {
		return nil, errors.New("prehead buffer too small")
	}
	h := &PreHead{
		HeadSize: binary.LittleEndian.Uint32(buf[0:4]),
		BodySize: binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.HeadSize == 0 {
		return nil, errEmptyHead
	}
	return h, nil
}

// EncodeFrame serializes a send packet into a single wire frame:
// prehead | encoded head | encoded body.
func EncodeFrame(pkg *SendPkg) ([]byte, error) {
	headData, err := codec.Encode(pkg.Head)
	if err != nil {
		return nil, fmt.Errorf("encode head: %w", err)
	}
	var bodyData []byte
	if pkg.Body != nil {
		bodyData, err = codec.Encode(pkg.Body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}

	buf := make([]byte, 0, PreHeadSize+len(headData)+len(bodyData))
	buf = append(buf, EncodePreHead(&PreHead{
		HeadSize: uint32(len(headData)),
		BodySize: uint32(len(bodyData)),
	})...)
	buf = append(buf, headData...)
	buf = append(buf, bodyData...)
	return buf, nil
}

// ReadFrame reads one frame from r and returns the decoded head plus the raw
// body bytes for lazy decoding.
func ReadFrame(r io.Reader, maxFrameSize int) (*PacketHead, []byte, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	preBuf := make([]byte, PreHeadSize)
	if _, err := io.ReadFull(r, preBuf); err != nil {
		return nil, nil, err
	}
	pre, err := DecodePreHead(preBuf)
	if err != nil {
		return nil, nil, err
	}
	if int(pre.HeadSize)+int(pre.BodySize) > maxFrameSize {
		return nil, nil, ErrFrameTooLarge
	}

	data := make([]byte, pre.HeadSize+pre.BodySize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, err
	}

	head := &PacketHead{}
	if err := codec.Decode(data[:pre.HeadSize], head); err != nil {
		return nil, nil, fmt.Errorf("decode head: %w", err)
	}
	return head, data[pre.HeadSize:], nil
}

// DecodeFrameBytes parses a complete frame held in memory, as delivered by
// message-oriented transports such as websockets.
func DecodeFrameBytes(data []byte, maxFrameSize int) (*PacketHead, []byte, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	pre, err := DecodePreHead(data)
	if err != nil {
		return nil, nil, err
	}
	total := PreHeadSize + int(pre.HeadSize) + int(pre.BodySize)
	if int(pre.HeadSize)+int(pre.BodySize) > maxFrameSize || len(data) < total {
		return nil, nil, ErrFrameTooLarge
	}

	head := &PacketHead{}
	if err := codec.Decode(data[PreHeadSize:PreHeadSize+int(pre.HeadSize)], head); err != nil {
		return nil, nil, fmt.Errorf("decode head: %w", err)
	}
	return head, data[PreHeadSize+int(pre.HeadSize) : total], nil
}
