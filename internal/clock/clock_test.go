package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemTimeIsUTC(t *testing.T) {
	now := SystemTime{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestMonotonicNonDecreasing(t *testing.T) {
	m := NewMonotonic()
	prev := m.Seconds()
	for i := 0; i < 100; i++ {
		cur := m.Seconds()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestFakeClocks(t *testing.T) {
	ft := &FakeTime{Current: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	ft.Advance(500 * time.Millisecond)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 500_000_000, time.UTC), ft.Now())

	fm := &FakeMonotonic{}
	fm.Advance(1.5)
	fm.Advance(0.5)
	assert.Equal(t, 2.0, fm.Seconds())
}

func TestFakeMonotonicTimers(t *testing.T) {
	fm := &FakeMonotonic{}

	short := fm.After(time.Second)
	long := fm.After(10 * time.Second)
	immediate := fm.After(0)

	select {
	case <-immediate:
	default:
		t.Fatal("zero-duration timer did not fire")
	}

	fm.Advance(0.5)
	select {
	case <-short:
		t.Fatal("timer fired before its deadline")
	default:
	}

	fm.Advance(0.5)
	select {
	case <-short:
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	fm.Advance(100)
	select {
	case <-long:
	default:
		t.Fatal("timer did not fire after its deadline passed")
	}
}
