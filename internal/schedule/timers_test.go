package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFires(t *testing.T) {
	tm := NewTimers()
	tm.Start()
	defer tm.Stop()

	fired := make(chan string, 2)
	tm.Schedule("b", time.Now().Add(40*time.Millisecond), func() { fired <- "b" })
	tm.Schedule("a", time.Now().Add(10*time.Millisecond), func() { fired <- "a" })

	require.Len(t, tm.Pending(), 2)
	assert.Equal(t, "a", tm.Pending()[0].Key)

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-fired:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timer %s did not fire", want)
		}
	}
	assert.Empty(t, tm.Pending())
}

func TestCancelAndReplace(t *testing.T) {
	tm := NewTimers()
	tm.Start()
	defer tm.Stop()

	fired := make(chan string, 3)
	tm.Schedule("x", time.Now().Add(20*time.Millisecond), func() { fired <- "cancelled" })
	tm.Cancel("x")
	tm.Schedule("y", time.Now().Add(time.Hour), func() { fired <- "old" })
	tm.Schedule("y", time.Now().Add(20*time.Millisecond), func() { fired <- "new" })

	select {
	case got := <-fired:
		assert.Equal(t, "new", got)
	case <-time.After(2 * time.Second):
		t.Fatal("replaced timer did not fire")
	}
	select {
	case got := <-fired:
		t.Fatalf("unexpected callback %s", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPastDeadlineFiresImmediately(t *testing.T) {
	tm := NewTimers()
	fired := make(chan struct{})
	tm.Schedule("late", time.Now().Add(-time.Minute), func() { close(fired) })
	tm.Start()
	defer tm.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue timer did not fire")
	}
}

func TestPanickingCallbackIsContained(t *testing.T) {
	tm := NewTimers()
	tm.Start()

	ok := make(chan struct{})
	tm.Schedule("boom", time.Now(), func() { panic("boom") })
	tm.Schedule("fine", time.Now().Add(10*time.Millisecond), func() { close(ok) })

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after a panicking callback")
	}
	tm.Stop()
}
