package snapshot

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	in := []Component{
		{ID: "cpu", Data: []byte{1, 2, 3, 4, 5}},
		{ID: "mem", Data: bytes.Repeat([]byte{0xAB}, 37)},
		{ID: "empty", Data: nil},
	}

	buf, err := Save(in)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := Load(buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d components, want %d", len(out), len(in))
	}
	for i, c := range in {
		if out[i].ID != c.ID {
			t.Errorf("component %d ID = %q, want %q", i, out[i].ID, c.ID)
		}
		if !bytes.Equal(out[i].Data, c.Data) {
			t.Errorf("component %d data = %v, want %v", i, out[i].Data, c.Data)
		}
	}
}

func TestFind(t *testing.T) {
	components := []Component{
		{ID: "a", Data: []byte{1}},
		{ID: "b", Data: []byte{2}},
	}
	if data, ok := Find(components, "b"); !ok || !bytes.Equal(data, []byte{2}) {
		t.Errorf("Find(b) = %v, %v", data, ok)
	}
	if _, ok := Find(components, "missing"); ok {
		t.Error("Find(missing) should report not found")
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	buf, err := Save(nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := Load(buf); err != ErrBadMagic {
		t.Fatalf("Load with corrupted magic = %v, want ErrBadMagic", err)
	}
}

func TestLoadRejectsBadVersion(t *testing.T) {
	buf, err := Save(nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	buf[4] = 0xFF
	if _, err := Load(buf); err != ErrVersion {
		t.Fatalf("Load with unsupported version = %v, want ErrVersion", err)
	}
}

func TestLoadRejectsTruncated(t *testing.T) {
	buf, err := Save([]Component{{ID: "x", Data: []byte{1, 2, 3, 4}}})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := Load(buf[:len(buf)-2]); err == nil {
		t.Fatal("Load on truncated buffer should fail")
	}
}

// TestHeaderLayout pins the persisted framing: little-endian magic at
// offset 0, version 3 at offset 4, total length at 8, the UTF-16LE
// info block length at 12, and a 4-byte-aligned buffer region.
func TestHeaderLayout(t *testing.T) {
	buf, err := Save([]Component{{ID: "cpu", Data: []byte{0xAA, 0xBB}}})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if got := binary.LittleEndian.Uint32(buf[0:]); got != 0x86768676 {
		t.Fatalf("magic = %#x, want 0x86768676", got)
	}
	if got := binary.LittleEndian.Uint32(buf[4:]); got != 3 {
		t.Fatalf("version = %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint32(buf[8:]); got != uint32(len(buf)) {
		t.Fatalf("total_length = %d, want %d", got, len(buf))
	}
	infoLen := binary.LittleEndian.Uint32(buf[12:])
	if infoLen == 0 || infoLen%2 != 0 {
		t.Fatalf("info block length = %d, want a non-zero UTF-16 byte count", infoLen)
	}

	// The info block is UTF-16LE text: decoding its even bytes should
	// yield the component ID somewhere in the JSON.
	var text []byte
	for i := uint32(0); i < infoLen; i += 2 {
		text = append(text, buf[16+i])
	}
	if !bytes.Contains(text, []byte(`"cpu"`)) {
		t.Fatalf("info block %q does not mention the component", text)
	}

	dataStart := 16 + int(infoLen)
	if dataStart%4 != 0 {
		dataStart += 4 - dataStart%4
	}
	if buf[dataStart] != 0xAA || buf[dataStart+1] != 0xBB {
		t.Fatalf("buffer region at %d = % x, want AA BB", dataStart, buf[dataStart:dataStart+2])
	}
}
