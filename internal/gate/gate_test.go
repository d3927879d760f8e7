package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	click := Event{Type: "click"}

	t.Run("disabled passes everything", func(t *testing.T) {
		g := New()
		assert.Equal(t, Pass, g.Decide(click))
	})

	t.Run("enabled without window blocks", func(t *testing.T) {
		g := New()
		g.SetEnabled(true)
		assert.Equal(t, Block, g.Decide(click))
		for _, ev := range Events {
			assert.Equal(t, Block, g.Decide(Event{Type: ev}), ev)
		}
	})

	t.Run("enabled with window passes", func(t *testing.T) {
		g := New()
		g.SetEnabled(true)
		g.Open()
		assert.Equal(t, Pass, g.Decide(click))
		g.Release()
		assert.Equal(t, Block, g.Decide(click))
	})

	t.Run("assistant container always passes", func(t *testing.T) {
		g := New()
		g.SetEnabled(true)
		assert.Equal(t, Pass, g.Decide(Event{Type: "keydown", InAssistant: true}))
	})

	t.Run("ungated event types pass", func(t *testing.T) {
		g := New()
		g.SetEnabled(true)
		assert.Equal(t, Pass, g.Decide(Event{Type: "scroll"}))
		assert.Equal(t, Pass, g.Decide(Event{Type: "input"}))
	})
}

func TestWindowsNestAndNeverGoNegative(t *testing.T) {
	g := New()
	g.Release()
	assert.False(t, g.Automating())

	g.Open()
	g.Open()
	g.Release()
	assert.True(t, g.Automating())
	g.Release()
	assert.False(t, g.Automating())
	g.Release()
	g.Open()
	assert.True(t, g.Automating())
}

func TestReleaseAfterDelaysRelease(t *testing.T) {
	g := New()
	g.SetEnabled(true)
	g.Open()
	g.ReleaseAfter(30 * time.Millisecond)

	assert.True(t, g.Automating(), "window must stay open during cooldown")
	assert.Equal(t, Pass, g.Decide(Event{Type: "click"}))

	require.Eventually(t, func() bool { return !g.Automating() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Block, g.Decide(Event{Type: "click"}))
}

func TestReleaseAfterZeroReleasesImmediately(t *testing.T) {
	g := New()
	g.Open()
	g.ReleaseAfter(0)
	assert.False(t, g.Automating())
}

func TestSubscribersSeeTransitions(t *testing.T) {
	g := New()
	var mu sync.Mutex
	var seen []State
	g.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	g.SetEnabled(true)
	g.SetEnabled(true) // no change, no notification
	g.Open()
	g.Open() // nested, no notification
	g.Release()
	g.Release()
	g.SetEnabled(false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		{Enabled: true},
		{Enabled: true, Automating: true},
		{Enabled: true},
		{},
	}, seen)
}

func TestSlowSubscriberEndsOnCurrentState(t *testing.T) {
	g := New()
	hold := make(chan struct{})
	var mu sync.Mutex
	var seen []State
	first := true
	g.Subscribe(func(st State) {
		mu.Lock()
		wait := first
		first = false
		mu.Unlock()
		if wait {
			<-hold
		}
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.SetEnabled(true)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !first
	}, time.Second, time.Millisecond)

	go func() {
		defer wg.Done()
		g.Open()
	}()
	require.Eventually(t, g.Automating, time.Second, time.Millisecond)
	close(hold)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, g.State(), seen[len(seen)-1])
	assert.Equal(t, State{Enabled: true, Automating: true}, seen[len(seen)-1])
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "pass", Pass.String())
	assert.Equal(t, "block", Block.String())
}
