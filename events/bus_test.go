package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan Tick, 1)

	unsub := bus.Subscribe(func(e Tick) {
		received <- e
	})
	defer unsub()

	bus.Publish(Tick{SessionID: "s1", Elapsed: 2 * time.Second})

	select {
	case got := <-received:
		require.Equal(t, "s1", got.SessionID)
		require.Equal(t, 2*time.Second, got.Elapsed)
	case <-time.After(time.Second):
		t.Fatal("tick not delivered")
	}
}

func TestBusRoutesByType(t *testing.T) {
	bus := New()
	saved := make(chan RecordingSaved, 1)
	failures := make(chan Failure, 1)

	defer bus.Subscribe(func(e RecordingSaved) { saved <- e })()
	defer bus.Subscribe(func(e Failure) { failures <- e })()

	bus.Publish(Failure{Op: "start", Error: "boom"})

	select {
	case got := <-failures:
		require.Equal(t, "start", got.Op)
	case <-time.After(time.Second):
		t.Fatal("failure not delivered")
	}
	select {
	case <-saved:
		t.Fatal("unexpected saved event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(Tick{})
	bus.Subscribe(func(Tick) {})()
}

func TestUnknownHandlerIsNoop(t *testing.T) {
	New().Subscribe(func(string) {})()
}
