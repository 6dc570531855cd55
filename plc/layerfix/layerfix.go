// Package layerfix provides a minimal two-layer protocol stack used by
// tests, the demo CLI, and nowhere else: a length-prefixed framing layer
// wrapping a command layer that echoes whatever payload a request builds.
// This is deliberately not a real PLC wire dialect (a Non-goal) — it exists
// purely to exercise layer.Stack, the engine's multi-request packing, and
// the response demultiplexer end to end.
//
// Both layers are header-only (no trailers), which lets the framing layer
// report a payload's end as coincident with its own frame's end; the
// engine relies on that coincidence to resume parsing the next sub-message
// from the position a successful ProcessResponse call reports.
package layerfix

import (
	"encoding/binary"
	"fmt"

	"github.com/go-plc/conn/plc/layer"
)

// FrameHeaderLen is the size of the length-prefix header FrameLayer writes:
// one big-endian uint32 giving the length of everything after it.
const FrameHeaderLen = 4

// CommandHeaderLen is the size of the request-id header EchoCommandLayer
// writes: one big-endian uint64.
const CommandHeaderLen = 8

// FrameLayer is the outermost envelope: a 4-byte big-endian length prefix
// around whatever its Next layer produces. It has no connect/disconnect
// handshake of its own.
type FrameLayer struct {
	next layer.Layer

	headerStart int // scratch: where this frame's length header begins
}

// NewFrameLayer creates a FrameLayer that delegates command framing to next.
func NewFrameLayer(next layer.Layer) *FrameLayer {
	return &FrameLayer{next: next}
}

func (f *FrameLayer) Initialize() error {
	f.headerStart = 0
	return f.next.Initialize()
}

func (f *FrameLayer) Connect(buf []byte, start, end *int) (layer.Status, error) {
	return f.next.Connect(buf, start, end)
}

func (f *FrameLayer) Disconnect(buf []byte, start, end *int) (layer.Status, error) {
	return f.next.Disconnect(buf, start, end)
}

func (f *FrameLayer) ReserveSpace(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	if *end-*start < FrameHeaderLen {
		return layer.StatusTooSmall, fmt.Errorf("layerfix: buffer too small for frame header")
	}
	f.headerStart = *start
	*start += FrameHeaderLen
	return f.next.ReserveSpace(buf, start, end, reqID)
}

func (f *FrameLayer) Build(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	status, err := f.next.Build(buf, start, end, reqID)
	if err != nil || status == layer.StatusError {
		return layer.StatusError, err
	}

	frameLen := *end - (f.headerStart + FrameHeaderLen)
	if frameLen < 0 {
		return layer.StatusError, fmt.Errorf("layerfix: negative frame length")
	}
	binary.BigEndian.PutUint32(buf[f.headerStart:f.headerStart+FrameHeaderLen], uint32(frameLen))

	// Willing to accept another packed request; the engine stops once
	// the queue is drained or the next request doesn't fit.
	return layer.StatusPending, nil
}

func (f *FrameLayer) ProcessResponse(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	avail := *end - *start
	if avail < FrameHeaderLen {
		return layer.StatusPartial, nil
	}

	frameLen := int(binary.BigEndian.Uint32(buf[*start : *start+FrameHeaderLen]))
	frameStart := *start + FrameHeaderLen
	frameEnd := frameStart + frameLen
	if frameEnd > *end {
		return layer.StatusPartial, nil
	}

	s, e := frameStart, frameEnd
	status, err := f.next.ProcessResponse(buf, &s, &e, reqID)
	if err != nil {
		return layer.StatusError, err
	}
	if status != layer.StatusOK {
		return status, nil
	}

	*start, *end = s, frameEnd
	return layer.StatusOK, nil
}

// EchoCommandLayer is the innermost layer: it assigns a sequential request
// id per reserved slot and writes it as an 8-byte header; on the response
// side it reads that header back out and reports it as reqID so the engine
// can match the reply to the originating request.
type EchoCommandLayer struct {
	nextReqID int64

	headerStart int
}

// NewEchoCommandLayer creates an EchoCommandLayer with its own req-id
// sequence starting at 1.
func NewEchoCommandLayer() *EchoCommandLayer {
	return &EchoCommandLayer{nextReqID: 1}
}

func (c *EchoCommandLayer) Initialize() error {
	c.headerStart = 0
	return nil
}

func (c *EchoCommandLayer) Connect(buf []byte, start, end *int) (layer.Status, error) {
	return layer.StatusOK, nil
}

func (c *EchoCommandLayer) Disconnect(buf []byte, start, end *int) (layer.Status, error) {
	return layer.StatusOK, nil
}

func (c *EchoCommandLayer) ReserveSpace(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	if *end-*start < CommandHeaderLen {
		return layer.StatusTooSmall, fmt.Errorf("layerfix: buffer too small for command header")
	}
	c.headerStart = *start
	*start += CommandHeaderLen

	id := c.nextReqID
	c.nextReqID++
	*reqID = id
	return layer.StatusOK, nil
}

func (c *EchoCommandLayer) Build(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	binary.BigEndian.PutUint64(buf[c.headerStart:c.headerStart+CommandHeaderLen], uint64(*reqID))
	return layer.StatusOK, nil
}

func (c *EchoCommandLayer) ProcessResponse(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	if *end-*start < CommandHeaderLen {
		return layer.StatusPartial, nil
	}
	id := int64(binary.BigEndian.Uint64(buf[*start : *start+CommandHeaderLen]))
	*reqID = id
	*start += CommandHeaderLen
	return layer.StatusOK, nil
}

// NewStack builds the canonical layerfix two-layer stack: FrameLayer
// outermost, wrapping a fresh EchoCommandLayer.
func NewStack() *layer.Stack {
	cmd := NewEchoCommandLayer()
	frame := NewFrameLayer(cmd)

	s := layer.NewStack()
	s.Push(cmd)
	s.Push(frame)
	return s
}

// ConnectEchoLayer is a single standalone layer whose Connect emits a fixed
// 4-byte handshake and whose ProcessResponse accepts any reply of at least
// 4 bytes as a successful echo, consuming exactly 4 bytes. It has no
// request/response behavior of its own (ReserveSpace/Build are no-ops) and
// exists only to exercise the connect subgraph in isolation.
type ConnectEchoLayer struct {
	Payload [4]byte
}

// NewConnectEchoLayer creates a ConnectEchoLayer emitting the bytes 0xC0
// 0xFF 0xEE 0x01 as its handshake payload.
func NewConnectEchoLayer() *ConnectEchoLayer {
	return &ConnectEchoLayer{Payload: [4]byte{0xC0, 0xFF, 0xEE, 0x01}}
}

func (c *ConnectEchoLayer) Initialize() error { return nil }

func (c *ConnectEchoLayer) Connect(buf []byte, start, end *int) (layer.Status, error) {
	if *end-*start < 4 {
		return layer.StatusTooSmall, fmt.Errorf("layerfix: buffer too small for connect handshake")
	}
	copy(buf[*start:*start+4], c.Payload[:])
	*end = *start + 4
	return layer.StatusPending, nil
}

func (c *ConnectEchoLayer) Disconnect(buf []byte, start, end *int) (layer.Status, error) {
	*end = *start
	return layer.StatusOK, nil
}

func (c *ConnectEchoLayer) ReserveSpace(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	return layer.StatusOK, nil
}

func (c *ConnectEchoLayer) Build(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	return layer.StatusOK, nil
}

func (c *ConnectEchoLayer) ProcessResponse(buf []byte, start, end *int, reqID *int64) (layer.Status, error) {
	if *end-*start < 4 {
		return layer.StatusPartial, nil
	}
	*start += 4
	return layer.StatusOK, nil
}

// NewConnectStack builds a single-layer stack around a ConnectEchoLayer, for
// exercising the connect subgraph without the framing/command pair.
func NewConnectStack() *layer.Stack {
	s := layer.NewStack()
	s.Push(NewConnectEchoLayer())
	return s
}

var (
	_ layer.Layer = (*FrameLayer)(nil)
	_ layer.Layer = (*EchoCommandLayer)(nil)
	_ layer.Layer = (*ConnectEchoLayer)(nil)
)
