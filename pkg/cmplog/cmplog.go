/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: cmplog.go
Description: Comparison log shared between the tracer and the fuzzer. The table follows the
AFL++ cmplog layout: a header row of Width entries followed by Width x Height operand pairs.
Each header slot counts hits and the operand slots form a ring of the most recent pairs.
*/

package cmplog

import (
	"encoding/binary"
	"fmt"

	"github.com/kleascm/simfuzz/pkg/arch"
)

const (
	headerSize  = 8
	operandSize = 16

	// TypeInstruction marks entries logged from compare instructions
	TypeInstruction uint8 = 0
)

// Layout is the shape of a cmplog table
type Layout struct {
	Width  int
	Height int
}

// DefaultLayout matches the AFL++ table dimensions
var DefaultLayout = Layout{Width: 65536, Height: 32}

// Size returns the number of bytes a table with this layout occupies
func (l Layout) Size() int {
	return l.Width*headerSize + l.Width*l.Height*operandSize
}

// Validate checks the layout dimensions
func (l Layout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 {
		return fmt.Errorf("invalid cmplog layout %dx%d", l.Width, l.Height)
	}
	if l.Width&(l.Width-1) != 0 {
		return fmt.Errorf("cmplog width %d is not a power of two", l.Width)
	}
	return nil
}

func (l Layout) header(idx int) int {
	return idx * headerSize
}

func (l Layout) operand(idx, slot int) int {
	return l.Width*headerSize + (idx*l.Height+slot)*operandSize
}

// Header is one decoded header slot
type Header struct {
	Hits      uint32
	Shape     uint8
	Type      uint8
	Attribute arch.CmpType
}

// Operands is one logged operand pair
type Operands struct {
	V0 uint64
	V1 uint64
}

// Entry is a header slot that was hit, with its recorded operand pairs oldest first
type Entry struct {
	Index    int
	Header   Header
	Operands []Operands
}

// Width returns the operand byte width recorded in the header
func (e Entry) Width() int {
	return int(e.Header.Shape) + 1
}

func checkBuffer(l Layout, buf []byte) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if len(buf) < l.Size() {
		return fmt.Errorf("cmplog buffer too small: %d bytes, need %d", len(buf), l.Size())
	}
	return nil
}

// Map is the writer side of the table
type Map struct {
	layout Layout
	buf    []byte
}

// NewMap wraps a writable buffer
func NewMap(layout Layout, buf []byte) (*Map, error) {
	if err := checkBuffer(layout, buf); err != nil {
		return nil, err
	}
	return &Map{layout: layout, buf: buf}, nil
}

// Layout returns the table layout
func (m *Map) Layout() Layout {
	return m.layout
}

// Log records one comparison at header index idx. Indices outside the table are ignored.
func (m *Map) Log(idx int, types arch.CmpType, values arch.CmpValues) {
	if idx < 0 || idx >= m.layout.Width {
		return
	}
	h := m.buf[m.layout.header(idx):]

	hits := binary.LittleEndian.Uint32(h[0:4])
	binary.LittleEndian.PutUint32(h[0:4], hits+1)

	shape := values.Shape()
	if hits == 0 || shape > h[4] {
		h[4] = shape
	}
	h[5] = TypeInstruction
	if types == 0 {
		types = arch.CmpEqual
	}
	h[6] = uint8(types)

	slot := int(hits % uint32(m.layout.Height))
	op := m.buf[m.layout.operand(idx, slot):]
	binary.LittleEndian.PutUint64(op[0:8], values.V0)
	binary.LittleEndian.PutUint64(op[8:16], values.V1)
}

// Reset clears the header row. Stale operand slots are unreachable once the hit count is zero.
func (m *Map) Reset() {
	clear(m.buf[:m.layout.Width*headerSize])
}

// View is the read-only side of the table
type View struct {
	layout Layout
	buf    []byte
}

// NewView wraps a read-only buffer
func NewView(layout Layout, buf []byte) (*View, error) {
	if err := checkBuffer(layout, buf); err != nil {
		return nil, err
	}
	return &View{layout: layout, buf: buf}, nil
}

// Layout returns the table layout
func (v *View) Layout() Layout {
	return v.layout
}

// Header decodes one header slot
func (v *View) Header(idx int) Header {
	if idx < 0 || idx >= v.layout.Width {
		return Header{}
	}
	h := v.buf[v.layout.header(idx):]
	return Header{
		Hits:      binary.LittleEndian.Uint32(h[0:4]),
		Shape:     h[4],
		Type:      h[5],
		Attribute: arch.CmpType(h[6]),
	}
}

// Entries returns every hit slot with its operand ring unrolled oldest first
func (v *View) Entries() []Entry {
	var entries []Entry
	height := uint32(v.layout.Height)
	for idx := 0; idx < v.layout.Width; idx++ {
		hdr := v.Header(idx)
		if hdr.Hits == 0 {
			continue
		}

		n := min(hdr.Hits, height)
		start := uint32(0)
		if hdr.Hits > height {
			start = hdr.Hits % height
		}
		ops := make([]Operands, 0, n)
		for i := uint32(0); i < n; i++ {
			slot := int((start + i) % height)
			op := v.buf[v.layout.operand(idx, slot):]
			ops = append(ops, Operands{
				V0: binary.LittleEndian.Uint64(op[0:8]),
				V1: binary.LittleEndian.Uint64(op[8:16]),
			})
		}
		entries = append(entries, Entry{Index: idx, Header: hdr, Operands: ops})
	}
	return entries
}
