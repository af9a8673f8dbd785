package decode

import (
	"testing"

	"github.com/diagcore/canscope/frame"
)

// fakeDatabase is a single-message in-memory Database used to test that
// the core's seam is pure: it neither mutates signals nor interprets
// them, just hands the map to whichever implementation is attached.
type fakeDatabase struct {
	id      uint32
	name    string
	extract func(frame.CanFrame) map[string]float64
	build   func(map[string]float64) []byte
}

func (f *fakeDatabase) Decode(fr frame.CanFrame) (map[string]float64, bool) {
	if fr.ID != f.id {
		return nil, false
	}
	return f.extract(fr), true
}

func (f *fakeDatabase) Encode(name string, signals map[string]float64) (uint32, bool, []byte, error) {
	if name != f.name {
		return 0, false, nil, &UnknownMessageError{Name: name}
	}
	return f.id, false, f.build(signals), nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	db := &fakeDatabase{
		id:   0x100,
		name: "EngineSpeed",
		extract: func(fr frame.CanFrame) map[string]float64 {
			rpm := float64(uint16(fr.Data[0])<<8|uint16(fr.Data[1])) * 0.25
			return map[string]float64{"rpm": rpm}
		},
		build: func(signals map[string]float64) []byte {
			raw := uint16(signals["rpm"] / 0.25)
			return []byte{byte(raw >> 8), byte(raw)}
		},
	}

	original := frame.CanFrame{ID: 0x100, Data: []byte{0x07, 0xD0}} // 2000 raw -> 500 rpm
	signals, ok := db.Decode(original)
	if !ok {
		t.Fatal("Decode: ok = false, want true")
	}
	if signals["rpm"] != 500 {
		t.Fatalf("rpm = %v, want 500", signals["rpm"])
	}

	id, extended, data, err := db.Encode("EngineSpeed", signals)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if id != original.ID || extended != original.Extended || string(data) != string(original.Data) {
		t.Fatalf("round trip mismatch: id=%#x data=% x, want id=%#x data=% x", id, data, original.ID, original.Data)
	}
}

func TestNullDatabaseIsSafeDefault(t *testing.T) {
	var db Database = Null{}
	if _, ok := db.Decode(frame.CanFrame{ID: 0x123}); ok {
		t.Fatal("Null.Decode: ok = true, want false")
	}
	if _, _, _, err := db.Encode("anything", nil); err == nil {
		t.Fatal("Null.Encode: err = nil, want UnknownMessageError")
	}
}
