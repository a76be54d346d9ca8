package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

func TestPercent(t *testing.T) {
	assert.Equal(t, 100.0, Percent(0, 0))
	assert.Equal(t, 50.0, Percent(5, 10))
	assert.Equal(t, 100.0, Percent(7, 7))
}

func TestStreamFansOutToSubscribers(t *testing.T) {
	s := NewStream()
	a, cancelA := s.Subscribe(4)
	b, cancelB := s.Subscribe(4)
	defer cancelA()
	defer cancelB()

	c := &keyword.Cluster{ID: "1", Name: "shoes"}
	s.Publish(Event{Percent: 40, Cluster: c})

	ea := <-a
	eb := <-b
	assert.Equal(t, 40.0, ea.Percent)
	assert.Same(t, c, ea.Cluster)
	assert.Equal(t, ea, eb)
}

func TestStreamClampsRegressions(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(8)
	defer cancel()

	s.Publish(Event{Percent: 60})
	s.Publish(Event{Percent: 20})
	s.Publish(Event{Percent: 150})
	s.Publish(Event{Percent: -3})

	var got []float64
	for i := 0; i < 4; i++ {
		got = append(got, (<-ch).Percent)
	}
	assert.Equal(t, []float64{60, 60, 100, 100}, got)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, 100.0, last.Percent)
}

func TestStreamDropsWhenSubscriberIsFull(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(1)
	defer cancel()

	s.Publish(Event{Percent: 10})
	s.Publish(Event{Percent: 20})

	assert.Equal(t, 10.0, (<-ch).Percent)
	last, _ := s.Last()
	assert.Equal(t, 20.0, last.Percent)
}

func TestStreamCloseEndsSubscriptions(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(1)
	s.Close()

	_, open := <-ch
	assert.False(t, open)
	cancel()
	assert.True(t, s.Closed())

	// publishing after close is a no-op
	s.Publish(Event{Percent: 5})
	_, seen := s.Last()
	assert.False(t, seen)
}

func TestSubscribeAfterCloseReplaysLast(t *testing.T) {
	s := NewStream()
	s.Publish(Event{Percent: 100, Done: true})
	s.Close()

	ch, _ := s.Subscribe(1)
	e, ok := <-ch
	require.True(t, ok)
	assert.True(t, e.Done)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(2)
	cancel()
	cancel()

	s.Publish(Event{Percent: 30})
	_, open := <-ch
	assert.False(t, open)
}

func TestRecorderAndMulti(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	sink := Multi(r1, nil, r2)
	sink.Publish(Event{Percent: 1})
	sink.Publish(Event{Percent: 2})

	assert.Equal(t, []float64{1, 2}, r1.Percents())
	assert.Equal(t, r1.Events(), r2.Events())
}

func TestSpan(t *testing.T) {
	r := &Recorder{}
	first, second := Span(r, 0, 50), Span(r, 50, 100)

	first.Publish(Event{Percent: 0})
	first.Publish(Event{Percent: 100, Done: true})
	second.Publish(Event{Percent: 40})
	second.Publish(Event{Percent: 100, Done: true})

	assert.Equal(t, []float64{0, 50, 70, 100}, r.Percents())
	events := r.Events()
	assert.False(t, events[1].Done)
	assert.True(t, events[3].Done)
}
