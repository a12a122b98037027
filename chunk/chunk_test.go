package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// encodeThenDecode drives a Wire through the same Encode/Decode path the
// data channel actually uses, so round-trip tests exercise the wire
// encoding rather than feeding in-memory Wire structs straight to the
// reassembler.
func encodeThenDecode(t *testing.T, w Wire) Wire {
	t.Helper()
	frame, err := Encode(w)
	So(err, ShouldBeNil)
	out, err := Decode(frame)
	So(err, ShouldBeNil)
	return out
}

func TestSplitAndReassembleRoundTrip(t *testing.T) {
	Convey("Split then reassemble", t, func() {
		Convey("round-trips a small payload in a single chunk", func() {
			payload := []byte("hello world")
			chunks, err := Split("chat", "msg-1", payload)
			So(err, ShouldBeNil)
			So(chunks, ShouldHaveLength, 1)

			r := NewReassembler(8)
			out, ch, ok, err := r.Add(encodeThenDecode(t, chunks[0]))
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(ch, ShouldEqual, "chat")
			So(out, ShouldResemble, payload)
		})

		Convey("round-trips arbitrary non-UTF-8 bytes without corruption", func() {
			payload := []byte{0xff, 0xfe, 0x00, 0x80, 0xc3, 0x28, 'h', 'i'}
			chunks, err := Split("bulk", "msg-bin", payload)
			So(err, ShouldBeNil)

			r := NewReassembler(8)
			var delivered []byte
			for _, c := range chunks {
				out, _, ok, err := r.Add(encodeThenDecode(t, c))
				So(err, ShouldBeNil)
				if ok {
					delivered = out
				}
			}
			So(delivered, ShouldResemble, payload)
		})

		Convey("round-trips a large payload split across many chunks, delivered out of order", func() {
			payload := make([]byte, 200*1024)
			rand.New(rand.NewSource(1)).Read(payload)

			chunks, err := Split("bulk", "msg-2", payload)
			So(err, ShouldBeNil)
			So(len(chunks), ShouldBeGreaterThan, 1)

			frames := make([][]byte, len(chunks))
			for i, c := range chunks {
				frame, err := Encode(c)
				So(err, ShouldBeNil)
				frames[i] = frame
			}
			rand.New(rand.NewSource(2)).Shuffle(len(frames), func(i, j int) {
				frames[i], frames[j] = frames[j], frames[i]
			})

			r := NewReassembler(8)
			var delivered []byte
			var deliveredOK bool
			for _, raw := range frames {
				w, err := Decode(raw)
				So(err, ShouldBeNil)
				out, _, ok, err := r.Add(w)
				So(err, ShouldBeNil)
				if ok {
					So(deliveredOK, ShouldBeFalse) // exactly once
					deliveredOK = true
					delivered = out
				}
			}
			So(deliveredOK, ShouldBeTrue)
			So(bytes.Equal(delivered, payload), ShouldBeTrue)
		})

		Convey("rejects a chunk whose index is out of range", func() {
			_, err := Decode([]byte(`{"channel":"c","msgId":"m","total":2,"index":5,"payload":"eA=="}`))
			So(err, ShouldNotBeNil)
		})

		Convey("rejects a chunk whose payload is not valid base64", func() {
			_, err := Decode([]byte(`{"channel":"c","msgId":"m","total":1,"index":0,"payload":"not-base64!"}`))
			So(err, ShouldNotBeNil)
		})

		Convey("evicts the oldest incomplete message once the per-peer cap is exceeded", func() {
			r := NewReassembler(2)
			// Three messages, each split into 2 chunks; only deliver the
			// first chunk of each so all three stay "incomplete" until
			// the cap forces an eviction.
			for i, id := range []string{"m1", "m2", "m3"} {
				w := Wire{Channel: "c", MsgID: id, Total: 2, Index: 0, Payload: []byte("a")}
				_, _, ok, err := r.Add(w)
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)
				if i < 2 {
					So(r.Pending(), ShouldEqual, i+1)
				}
			}
			So(r.Pending(), ShouldEqual, 2) // m1 was evicted to make room for m3

			// Completing m1 now starts a brand new (empty) message rather
			// than finishing the original one.
			_, _, ok, err := r.Add(Wire{Channel: "c", MsgID: "m1", Total: 2, Index: 1, Payload: []byte("b")})
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})

		Convey("Close drops all pending state", func() {
			r := NewReassembler(8)
			r.Add(Wire{Channel: "c", MsgID: "m1", Total: 2, Index: 0, Payload: []byte("a")})
			So(r.Pending(), ShouldEqual, 1)
			r.Close()
			So(r.Pending(), ShouldEqual, 0)
		})
	})
}
