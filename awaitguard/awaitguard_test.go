package awaitguard

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGuard(t *testing.T) {
	Convey("Await Guard", t, func() {
		Convey("StepDown before Await delivers the result immediately", func() {
			g := New[int]()
			g.StepDown(42)
			result, outcome := g.AwaitWithTimeout(time.Second)
			So(outcome, ShouldEqual, Completed)
			So(result, ShouldEqual, 42)
		})

		Convey("StepDown after Await begins wakes the waiter", func() {
			g := New[string]()
			go func() {
				time.Sleep(10 * time.Millisecond)
				g.StepDown("done")
			}()
			result, outcome := g.AwaitWithTimeout(time.Second)
			So(outcome, ShouldEqual, Completed)
			So(result, ShouldEqual, "done")
		})

		Convey("times out when StepDown never arrives", func() {
			g := New[int]()
			_, outcome := g.AwaitWithTimeout(10 * time.Millisecond)
			So(outcome, ShouldEqual, TimedOut)
		})

		Convey("a second StepDown is ignored", func() {
			g := New[int]()
			g.StepDown(1)
			g.StepDown(2)
			result, _ := g.AwaitWithTimeout(time.Second)
			So(result, ShouldEqual, 1)
		})

		Convey("StepDown is idempotent under concurrent callers", func() {
			g := New[int]()
			for i := 0; i < 10; i++ {
				i := i
				go g.StepDown(i)
			}
			_, outcome := g.AwaitWithTimeout(time.Second)
			So(outcome, ShouldEqual, Completed)
		})
	})
}
