package binprot

import (
	"bytes"
	"errors"
	"testing"
)

// FuzzDecode feeds arbitrary bytes to Decode looking for panics and for
// messages that do not survive a second encode.
// Run with: go test -fuzz='^FuzzDecode$' -fuzztime=60s ./binprot
func FuzzDecode(f *testing.F) {
	for _, msg := range catalogMessages() {
		f.Add(Encode(msg))
	}
	f.Add([]byte{})
	f.Add(Header{Magic: MagicRequest, Opcode: 0xFF}.AppendTo(nil))
	f.Add(Header{Magic: MagicResponse, Opcode: OpGet, KeyLength: 0xFFFF, BodyLength: 1}.AppendTo(nil))
	f.Add(Header{Magic: 0x00, Opcode: OpGet, BodyLength: 0xFFFFFFFF}.AppendTo(nil))

	f.Fuzz(func(t *testing.T, data []byte) {
		info, complete := IsMessageComplete(data)

		msg, n, err := Decode(data)
		if err != nil {
			if msg != nil || n != 0 {
				t.Errorf("Decode returned message and error: %v, %d, %v", msg, n, err)
			}
			if errors.Is(err, ErrIncompleteMessage) && complete {
				t.Errorf("incomplete error for complete frame %+v", info)
			}
			return
		}

		if !complete || n != info.Len() {
			t.Fatalf("decoded %d bytes, frame info %+v complete=%v", n, info, complete)
		}

		// A decoded message must encode and decode to itself.
		again, _, err := Decode(Encode(msg))
		if err != nil {
			t.Fatalf("re-decode failed: %v", err)
		}
		if !bytes.Equal(Encode(again), Encode(msg)) {
			t.Errorf("message changed across round trip: %#v -> %#v", msg, again)
		}
	})
}
