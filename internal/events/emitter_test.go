package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEmitterDelivers(t *testing.T) {
	em := NewChannelEmitter(4)
	em.Emit(Event{RunID: "r1", Step: "render", Progress: 20})

	ev := <-em.Events()
	assert.Equal(t, "r1", ev.RunID)
	assert.Equal(t, "render", ev.Step)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestChannelEmitterDropsWhenFull(t *testing.T) {
	em := NewChannelEmitter(1)
	em.Emit(Event{RunID: "r1", Step: "a"})
	em.Emit(Event{RunID: "r1", Step: "b"}) // must not block

	ev := <-em.Events()
	assert.Equal(t, "a", ev.Step)
	select {
	case extra := <-em.Events():
		t.Fatalf("expected second event dropped, got %+v", extra)
	default:
	}
}

func TestMultiFansOut(t *testing.T) {
	a := NewChannelEmitter(1)
	b := NewChannelEmitter(1)
	Multi{a, b}.Emit(Event{RunID: "r1", Step: "x"})

	require.Equal(t, "x", (<-a.Events()).Step)
	require.Equal(t, "x", (<-b.Events()).Step)
}
