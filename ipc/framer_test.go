package ipc

import (
	"reflect"
	"testing"
)

// TestFramingSurvivesArbitrarySplits: splitting
// a sender's byte stream at arbitrary offsets and re-delivering it must
// yield the same sequence of decoded messages.
func TestFramingSurvivesArbitrarySplits(t *testing.T) {
	msgs := []Message{
		New(TypeCfgHost, []byte("host-1")),
		New(TypeCfgTableDone, nil),
		New(TypeHostStatus, []byte{1, 2, 3, 4}),
	}

	var stream []byte
	for _, m := range msgs {
		stream = append(stream, Encode(m)...)
	}

	splitSizes := []int{1, 2, 3, 5, 7, 11, len(stream), len(stream) + 1}
	for _, chunkSize := range splitSizes {
		t.Run("", func(t *testing.T) {
			f := NewFramer()
			var got []Message
			for i := 0; i < len(stream); i += chunkSize {
				end := i + chunkSize
				if end > len(stream) {
					end = len(stream)
				}
				decoded, err := f.Feed(stream[i:end])
				if err != nil {
					t.Fatalf("Feed: %v", err)
				}
				got = append(got, decoded...)
			}
			if len(got) != len(msgs) {
				t.Fatalf("chunk size %d: got %d messages, want %d", chunkSize, len(got), len(msgs))
			}
			for i := range msgs {
				if got[i].Header.Type != msgs[i].Header.Type {
					t.Fatalf("chunk size %d: message %d type = %v, want %v", chunkSize, i, got[i].Header.Type, msgs[i].Header.Type)
				}
				if !reflect.DeepEqual(got[i].Payload, msgs[i].Payload) && !(len(got[i].Payload) == 0 && len(msgs[i].Payload) == 0) {
					t.Fatalf("chunk size %d: message %d payload = %v, want %v", chunkSize, i, got[i].Payload, msgs[i].Payload)
				}
			}
		})
	}
}

func TestOversizePayloadIsFatal(t *testing.T) {
	big := make([]byte, int(MaxPayload(TypeHostStatus))+1)
	m := New(TypeHostStatus, big)
	f := NewFramer()
	if _, err := f.Feed(Encode(m)); err == nil {
		t.Fatalf("expected fatal protocol violation for oversize payload")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: TypeCAPrivDec, Len: 42, Flags: FlagHasFD, PeerID: 7, Pid: 1234}
	got, err := UnmarshalHeader(h.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}
