package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	before := time.Now()
	got := RealClock{}.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestRealClockTicker(t *testing.T) {
	ticker := RealClock{}.NewTicker(time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("Ticker did not fire within 1s")
	}
}

func TestMockClockNowAndSet(t *testing.T) {
	base := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)

	if got := clock.Now(); !got.Equal(base) {
		t.Errorf("Now() = %v, want %v", got, base)
	}

	later := base.Add(time.Hour)
	clock.Set(later)
	if got := clock.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestMockClockTickerQuiescentUntilAdvance(t *testing.T) {
	base := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)
	clock := NewMockClock(base)
	ticker := clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	select {
	case tick := <-ticker.C():
		t.Fatalf("Ticker fired without Advance: %v", tick)
	default:
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case tick := <-ticker.C():
		want := base.Add(100 * time.Millisecond)
		if !tick.Equal(want) {
			t.Errorf("Tick at %v, want %v", tick, want)
		}
	default:
		t.Fatal("Ticker did not fire after Advance past its period")
	}
}

func TestMockClockAdvanceShortOfPeriod(t *testing.T) {
	clock := NewMockClock(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	clock.Advance(99 * time.Millisecond)
	select {
	case tick := <-ticker.C():
		t.Fatalf("Ticker fired before its period elapsed: %v", tick)
	default:
	}
}

func TestMockClockTickerFiresOncePerAdvance(t *testing.T) {
	clock := NewMockClock(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	// Several periods elapse in one jump; the buffered channel holds a
	// single tick.
	clock.Advance(time.Second)

	fired := 0
	for {
		select {
		case <-ticker.C():
			fired++
			continue
		default:
		}
		break
	}
	if fired != 1 {
		t.Errorf("Expected exactly 1 tick after one Advance, got %d", fired)
	}
}

func TestMockClockStoppedTickerDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC))
	ticker := clock.NewTicker(100 * time.Millisecond)
	ticker.Stop()

	clock.Advance(time.Second)
	select {
	case tick := <-ticker.C():
		t.Fatalf("Stopped ticker fired: %v", tick)
	default:
	}
}

func TestMockClockMultipleTickers(t *testing.T) {
	clock := NewMockClock(time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC))
	fast := clock.NewTicker(100 * time.Millisecond)
	defer fast.Stop()
	slow := clock.NewTicker(500 * time.Millisecond)
	defer slow.Stop()

	clock.Advance(100 * time.Millisecond)

	select {
	case <-fast.C():
	default:
		t.Error("Fast ticker did not fire")
	}
	select {
	case tick := <-slow.C():
		t.Errorf("Slow ticker fired early: %v", tick)
	default:
	}
}
