package protocol

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInfoRoundTrip(t *testing.T) {
	want := &Info{
		Nonce:      0xDEADBEEF,
		Protocol:   2,
		Flags:      FlagHasRules | FlagPassworded,
		Name:       "Rusty Nail [EU] 1PP",
		Map:        "oasis",
		Game:       "exile",
		Version:    "1.24.3",
		Players:    17,
		MaxPlayers: 60,
		Port:       2302,
	}

	got, err := DecodeInfo(EncodeInfoResponse(want))
	if err != nil {
		t.Fatalf("DecodeInfo() error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("info mismatch (-want +got):\n%s", diff)
	}
	if !got.HasRules() || !got.Passworded() {
		t.Errorf("flag accessors: HasRules=%v Passworded=%v", got.HasRules(), got.Passworded())
	}
}

func TestRulesRoundTrip(t *testing.T) {
	want := &Rules{
		Nonce: 42,
		Mods: []ModEntry{
			{ID: 1559212036, Name: "CF"},
			{ID: 1564026768, Name: "Community-Online-Tools"},
			{ID: 2545327648, Name: "Dabs Framework"},
		},
	}

	got, err := DecodeRules(EncodeRulesResponse(want))
	if err != nil {
		t.Fatalf("DecodeRules() error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := EncodeInfoResponse(&Info{Nonce: 7, Name: "n", Map: "m", Game: "g", Version: "v"})

	badMarker := append([]byte(nil), valid...)
	badMarker[0] = 0x00

	badType := append([]byte(nil), valid...)
	badType[4] = 'x'

	// Rules packet claiming more mods than the buffer can hold.
	overclaim := encodeRequest(TypeRulesResponse, 1)
	overclaim = binary.LittleEndian.AppendUint16(overclaim, 0xFFFF)

	// Mod entry whose name length prefix points past the buffer.
	badLen := encodeRequest(TypeRulesResponse, 1)
	badLen = binary.LittleEndian.AppendUint16(badLen, 1)
	badLen = binary.LittleEndian.AppendUint32(badLen, 99)
	badLen = append(badLen, 200, 'a', 'b')

	cases := []struct {
		name   string
		decode func([]byte) error
		buf    []byte
	}{
		{"empty", decodeInfoErr, nil},
		{"short header", decodeInfoErr, valid[:5]},
		{"bad marker", decodeInfoErr, badMarker},
		{"wrong type", decodeInfoErr, badType},
		{"truncated body", decodeInfoErr, valid[:len(valid)-3]},
		{"unterminated string", decodeInfoErr, valid[:12]},
		{"mod count overclaim", decodeRulesErr, overclaim},
		{"mod name length overflow", decodeRulesErr, badLen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode(tc.buf)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("got %v, want ErrMalformed", err)
			}
		})
	}
}

func decodeInfoErr(b []byte) error {
	_, err := DecodeInfo(b)
	return err
}

func decodeRulesErr(b []byte) error {
	_, err := DecodeRules(b)
	return err
}

func TestDirectoryPageRoundTrip(t *testing.T) {
	want := &DirectoryPage{
		Next: "page-2",
		Entries: []DirectoryEntry{
			{IP: net.IPv4(192, 0, 2, 10).To4(), Port: 2302},
			{IP: net.IPv4(198, 51, 100, 7).To4(), Port: 27016},
		},
	}

	got, err := DecodeDirectoryPage(EncodeDirectoryPage(want))
	if err != nil {
		t.Fatalf("DecodeDirectoryPage() error: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
}

func TestDirectoryPageChecksum(t *testing.T) {
	b := EncodeDirectoryPage(&DirectoryPage{
		Entries: []DirectoryEntry{{IP: net.IPv4(192, 0, 2, 1), Port: 2302}},
	})
	b[plainHeaderSize] ^= 0xFF // corrupt the entry count

	if _, err := DecodeDirectoryPage(b); !errors.Is(err, ErrMalformed) {
		t.Errorf("corrupted page: got %v, want ErrMalformed", err)
	}
}

func TestPeekNonce(t *testing.T) {
	if nonce, frag, ok := PeekNonce(EncodeInfoRequest(99)); !ok || frag || nonce != 99 {
		t.Errorf("plain: nonce=%d frag=%v ok=%v", nonce, frag, ok)
	}

	frags := EncodeFragments(7, []byte("payload"), 4)
	if nonce, frag, ok := PeekNonce(frags[0]); !ok || !frag || nonce != 7 {
		t.Errorf("split: nonce=%d frag=%v ok=%v", nonce, frag, ok)
	}

	if _, _, ok := PeekNonce([]byte{1, 2, 3}); ok {
		t.Error("short buffer: ok=true")
	}
	if _, _, ok := PeekNonce([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0}); ok {
		t.Error("unknown marker: ok=true")
	}
}

func TestFragmentReassembly(t *testing.T) {
	payload := EncodeRulesResponse(&Rules{Nonce: 5, Mods: []ModEntry{{ID: 1, Name: "mod"}}})
	frags := EncodeFragments(5, payload, 6)
	if len(frags) < 3 {
		t.Fatalf("expected at least 3 fragments, got %d", len(frags))
	}

	// Deliver out of order with a duplicate in the middle.
	order := []int{len(frags) - 1, 0, 0}
	for i := 1; i < len(frags)-1; i++ {
		order = append(order, i)
	}

	var asm Assembler
	var full []byte
	for _, idx := range order {
		f, err := ParseFragment(frags[idx])
		if err != nil {
			t.Fatalf("ParseFragment(%d) error: %v", idx, err)
		}
		b, done, err := asm.Add(f)
		if err != nil {
			t.Fatalf("Add(%d) error: %v", idx, err)
		}
		if done {
			full = b
		}
	}

	if string(full) != string(payload) {
		t.Fatalf("reassembled %d bytes, want %d", len(full), len(payload))
	}

	// A straggler after completion is discarded.
	f, _ := ParseFragment(frags[0])
	if b, done, err := asm.Add(f); b != nil || done || err != nil {
		t.Errorf("post-completion Add: b=%v done=%v err=%v", b, done, err)
	}
}

func TestFragmentSetSizeChange(t *testing.T) {
	a, _ := ParseFragment(EncodeFragments(1, make([]byte, 10), 5)[0])
	b, _ := ParseFragment(EncodeFragments(1, make([]byte, 30), 10)[1])

	var asm Assembler
	if _, _, err := asm.Add(a); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	if _, _, err := asm.Add(b); !errors.Is(err, ErrMalformed) {
		t.Errorf("mismatched total: got %v, want ErrMalformed", err)
	}
}
