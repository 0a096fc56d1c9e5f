package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := false
	c.AfterFunc(time.Second, func() { fired = true })

	c.Advance(500 * time.Millisecond)
	if fired {
		t.Fatal("timer fired early")
	}
	c.Advance(500 * time.Millisecond)
	if !fired {
		t.Fatal("timer did not fire at deadline")
	}
	if got := c.Now(); !got.Equal(epoch.Add(time.Second)) {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestFakeStopPreventsCallback(t *testing.T) {
	c := Fake(epoch)
	timer := c.AfterFunc(time.Second, func() { t.Fatal("stopped timer fired") })

	if !timer.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report false")
	}
	c.Advance(time.Minute)
	if c.Pending() != 0 {
		t.Fatalf("expected no pending waiters, got %d", c.Pending())
	}
}

func TestFakeCallbackCanRearm(t *testing.T) {
	c := Fake(epoch)
	var times []time.Time
	var tick func()
	tick = func() {
		times = append(times, c.Now())
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3 * time.Second)

	if len(times) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(times))
	}
	for i, ts := range times {
		want := epoch.Add(time.Duration(i+1) * time.Second)
		if !ts.Equal(want) {
			t.Fatalf("tick %d at %v, want %v", i, ts, want)
		}
	}
}

func TestFakeNonPositiveDurationRunsImmediately(t *testing.T) {
	c := Fake(epoch)
	fired := false
	c.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatal("expected immediate callback")
	}
}
