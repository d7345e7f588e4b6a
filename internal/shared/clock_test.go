package shared

import (
	"testing"
	"time"
)

func TestFakeClockAdvanceFiresTimers(t *testing.T) {
	clk := NewFakeClock(time.Unix(1000, 0))
	ch := clk.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	clk.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	clk.Advance(2 * time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after deadline passed")
	}
}

func TestFakeClockZeroDurationFiresImmediately(t *testing.T) {
	clk := NewFakeClock(time.Unix(1000, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("zero-duration After should be ready")
	}
}
