// Package snapshot implements the binary state save/restore framing: a
// fixed magic/version header, a UTF-16LE JSON info block describing
// where each named buffer lives, and 4-byte-aligned concatenated
// buffers.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf16"
)

const (
	magic   = 0x86768676
	version = 3

	headerLen = 16 // magic, version, total_length, info_block_byte_length
)

// ErrBadMagic/ErrVersion are returned by Load when the header does not
// match this package's framing.
var (
	ErrBadMagic = errors.New("snapshot: bad magic")
	ErrVersion  = errors.New("snapshot: unsupported version")
)

// Component is one named buffer in the snapshot: a CPU's register
// file, a memory block, a device's private state, and so on. The
// component ID namespace is owned by the caller (the core driver),
// not by this package.
type Component struct {
	ID   string
	Data []byte
}

// infoBlock is the JSON document the info region carries: each entry
// references its buffer by {offset, length} into the buffer region.
type infoBlock struct {
	Components []infoEntry `json:"components"`
}

type infoEntry struct {
	ID     string `json:"id"`
	Offset uint32 `json:"offset"`
	Length uint32 `json:"length"`
}

// Save serializes components into the persisted layout:
//
//	offset 0   magic
//	offset 4   version
//	offset 8   total_length
//	offset 12  info_block_byte_length (UTF-16LE text)
//	offset 16  info block (JSON description)
//	aligned 4  concatenated raw buffers
func Save(components []Component) ([]byte, error) {
	info := infoBlock{Components: make([]infoEntry, 0, len(components))}
	var data bytes.Buffer

	for _, comp := range components {
		if data.Len()%4 != 0 {
			data.Write(make([]byte, 4-data.Len()%4))
		}
		info.Components = append(info.Components, infoEntry{
			ID:     comp.ID,
			Offset: uint32(data.Len()),
			Length: uint32(len(comp.Data)),
		})
		data.Write(comp.Data)
	}

	text, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	units := utf16.Encode([]rune(string(text)))
	infoBytes := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(infoBytes[i*2:], u)
	}

	pad := 0
	if (headerLen+len(infoBytes))%4 != 0 {
		pad = 4 - (headerLen+len(infoBytes))%4
	}

	totalLength := uint32(headerLen + len(infoBytes) + pad + data.Len())
	out := make([]byte, 0, totalLength)
	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], magic)
	binary.LittleEndian.PutUint32(hdr[4:], version)
	binary.LittleEndian.PutUint32(hdr[8:], totalLength)
	binary.LittleEndian.PutUint32(hdr[12:], uint32(len(infoBytes)))
	out = append(out, hdr[:]...)
	out = append(out, infoBytes...)
	out = append(out, make([]byte, pad)...)
	out = append(out, data.Bytes()...)

	return out, nil
}

// Load parses a buffer previously produced by Save back into its
// named components.
func Load(buf []byte) ([]Component, error) {
	if len(buf) < headerLen {
		return nil, fmt.Errorf("snapshot: short header, %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:]) != magic {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(buf[4:]) != version {
		return nil, ErrVersion
	}
	totalLength := binary.LittleEndian.Uint32(buf[8:])
	if int(totalLength) > len(buf) {
		return nil, fmt.Errorf("snapshot: truncated, want %d bytes have %d", totalLength, len(buf))
	}
	infoLen := binary.LittleEndian.Uint32(buf[12:])
	if infoLen%2 != 0 || headerLen+int(infoLen) > int(totalLength) {
		return nil, fmt.Errorf("snapshot: bad info block length %d", infoLen)
	}

	units := make([]uint16, infoLen/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(buf[headerLen+i*2:])
	}
	var info infoBlock
	if err := json.Unmarshal([]byte(string(utf16.Decode(units))), &info); err != nil {
		return nil, fmt.Errorf("snapshot: info block: %w", err)
	}

	dataStart := headerLen + int(infoLen)
	if dataStart%4 != 0 {
		dataStart += 4 - dataStart%4
	}

	out := make([]Component, 0, len(info.Components))
	for _, e := range info.Components {
		start := dataStart + int(e.Offset)
		end := start + int(e.Length)
		if start < 0 || end > int(totalLength) || end < start {
			return nil, fmt.Errorf("snapshot: component %q out of range", e.ID)
		}
		cp := make([]byte, e.Length)
		copy(cp, buf[start:end])
		out = append(out, Component{ID: e.ID, Data: cp})
	}

	return out, nil
}

// Find returns the named component's data, or nil, false.
func Find(components []Component, id string) ([]byte, bool) {
	for _, c := range components {
		if c.ID == id {
			return c.Data, true
		}
	}
	return nil, false
}
