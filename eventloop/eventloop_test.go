package eventloop

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoop(t *testing.T) {
	Convey("Event Loop", t, func() {
		l := New(nil, 16)
		l.Start()
		defer l.Stop()

		Convey("processes events in FIFO order", func() {
			var got []int
			done := make(chan struct{})
			for i := 0; i < 5; i++ {
				i := i
				l.Post(func() { got = append(got, i) })
			}
			l.Post(func() { close(done) })
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for events to drain")
			}
			So(got, ShouldResemble, []int{0, 1, 2, 3, 4})
		})

		Convey("a panicking event does not stop the loop", func() {
			ran := make(chan struct{}, 1)
			l.Post(func() { panic("boom") })
			l.Post(func() { ran <- struct{}{} })
			select {
			case <-ran:
			case <-time.After(time.Second):
				t.Fatal("loop stopped processing after a panic")
			}
		})

		Convey("no two events run concurrently", func() {
			var active int32
			var sawOverlap bool
			n := 50
			doneCh := make(chan struct{})
			for i := 0; i < n; i++ {
				last := i == n-1
				l.Post(func() {
					active++
					if active > 1 {
						sawOverlap = true
					}
					active--
					if last {
						close(doneCh)
					}
				})
			}
			select {
			case <-doneCh:
			case <-time.After(time.Second):
				t.Fatal("timed out")
			}
			So(sawOverlap, ShouldBeFalse)
		})
	})

	Convey("Stop drains the queue before exiting", t, func() {
		l := New(nil, 16)
		l.Start()
		ran := make(chan struct{}, 1)
		l.Post(func() { ran <- struct{}{} })
		l.Stop()
		select {
		case <-ran:
		default:
			t.Fatal("Stop exited without draining a queued event")
		}
	})
}
