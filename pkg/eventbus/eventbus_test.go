package eventbus_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/events"
	"github.com/fae-run/fae-core/pkg/types"
)

// collect drains sub until want events arrive or the timeout elapses.
func collect(t *testing.T, sub *eventbus.Subscription, want int, timeout time.Duration) []events.RuntimeEvent {
	t.Helper()
	var got []events.RuntimeEvent
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %s with %d/%d events", timeout, len(got), want)
		}
	}
	return got
}

func TestBus_DeliversInPublishOrderPerKind(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(16)
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		bus.Publish(events.AssistantSentenceEvent{SentenceChunk: types.SentenceChunk{
			Text:     fmt.Sprintf("sentence %d", i),
			Sequence: uint64(i),
		}})
	}

	got := collect(t, sub, 5, 2*time.Second)
	for i, ev := range got {
		sentence, ok := ev.(events.AssistantSentenceEvent)
		require.True(t, ok, "event %d has kind %s", i, ev.Kind())
		require.Equal(t, uint64(i+1), sentence.Sequence)
	}
}

func TestBus_FansOutToEverySubscriber(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	a := bus.Subscribe(4)
	defer a.Close()
	b := bus.Subscribe(4)
	defer b.Close()
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(events.RuntimeStateEvent{State: types.RuntimeRunning})

	for _, sub := range []*eventbus.Subscription{a, b} {
		got := collect(t, sub, 1, 2*time.Second)
		state, ok := got[0].(events.RuntimeStateEvent)
		require.True(t, ok)
		require.Equal(t, types.RuntimeRunning, state.State)
	}
}

func TestBus_CoalescesAudioLevelToLatest(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(8)
	defer sub.Close()

	// Burst of meter updates with no reader draining: intermediate values
	// may be replaced in the backlog but the final one must always arrive,
	// and nothing may arrive out of order.
	for i := 1; i <= 20; i++ {
		bus.Publish(events.AssistantAudioLevelEvent{RMS: float64(i) / 20})
	}

	var last float64
	deadline := time.After(2 * time.Second)
	for last != 1.0 {
		select {
		case ev := <-sub.Events():
			level, ok := ev.(events.AssistantAudioLevelEvent)
			require.True(t, ok)
			require.Greater(t, level.RMS, last, "coalesced meter values must be monotone")
			last = level.RMS
		case <-deadline:
			t.Fatalf("never received the final meter value (last=%v)", last)
		}
	}
	require.Zero(t, bus.DroppedBacklogs(), "coalescing kinds must never drop a backlog")
}

func TestBus_CoalescesPartialTranscriptionsButNotFinals(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(8)
	defer sub.Close()

	bus.Publish(events.TranscriptionEvent{Transcription: types.Transcription{Text: "wh"}})
	bus.Publish(events.TranscriptionEvent{Transcription: types.Transcription{Text: "what's"}})
	bus.Publish(events.TranscriptionEvent{Transcription: types.Transcription{Text: "what's my name"}})
	bus.Publish(events.TranscriptionEvent{Transcription: types.Transcription{Text: "what's my name?", IsFinal: true}})

	// Whatever partials survive coalescing, the final must arrive last and
	// exactly once.
	var finals int
	deadline := time.After(2 * time.Second)
	for finals == 0 {
		select {
		case ev := <-sub.Events():
			tr, ok := ev.(events.TranscriptionEvent)
			require.True(t, ok)
			if tr.IsFinal {
				require.Equal(t, "what's my name?", tr.Text)
				finals++
			}
		case <-deadline:
			t.Fatal("final transcription never delivered")
		}
	}
}

func TestBus_SaturatedNonCoalescingQueueDropsBacklogNotEvent(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(2)
	defer sub.Close()

	// With no reader, the pump holds at most one event in flight and the
	// backlog holds two more; the rest must trip the saturation policy.
	for i := 1; i <= 10; i++ {
		bus.Publish(events.AssistantSentenceEvent{SentenceChunk: types.SentenceChunk{Sequence: uint64(i)}})
	}
	require.NotZero(t, bus.DroppedBacklogs())

	// The publishing event itself survives: the last event published is
	// always deliverable.
	var last uint64
	deadline := time.After(2 * time.Second)
	for last != 10 {
		select {
		case ev := <-sub.Events():
			last = ev.(events.AssistantSentenceEvent).Sequence
		case <-deadline:
			t.Fatalf("event 10 never delivered (last=%d)", last)
		}
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub := bus.Subscribe(4)
	sub.Close()
	require.Equal(t, 0, bus.SubscriberCount())

	// Publishing after close must not panic or block.
	bus.Publish(events.RuntimeStateEvent{State: types.RuntimeStopped})

	// The events channel eventually closes once the backlog drains.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after Close")
		}
	}
}
