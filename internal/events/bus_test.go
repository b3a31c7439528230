package events

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeReceivesOnlyMatchingKind(t *testing.T) {
	bus := NewBus(slog.Default())

	var queued, failed []Event
	bus.Subscribe(KindBatchQueued, func(e Event) { queued = append(queued, e) })
	bus.Subscribe(KindBatchProcessingFailed, func(e Event) { failed = append(failed, e) })

	bus.Publish(BatchQueued{BatchID: "b1", Position: 1, TotalQueued: 1})
	bus.Publish(BatchProcessingFailed{BatchID: "b1", Error: "boom"})
	bus.Publish(BatchQueued{BatchID: "b2", Position: 2, TotalQueued: 2})

	assert.Len(t, queued, 2)
	assert.Len(t, failed, 1)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus(slog.Default())

	var all []Kind
	bus.SubscribeAll(func(e Event) { all = append(all, e.Kind()) })

	bus.Publish(BatchQueued{BatchID: "b1", Position: 1, TotalQueued: 1})
	bus.Publish(QueueFull{Message: "full"})
	bus.Publish(BatchCompleted{BatchID: "b1"})

	assert.Equal(t, []Kind{KindBatchQueued, KindQueueFull, KindBatchCompleted}, all)
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	bus := NewBus(slog.Default())

	var order []int
	bus.Subscribe(KindBatchQueued, func(Event) { order = append(order, 1) })
	bus.Subscribe(KindBatchQueued, func(Event) { order = append(order, 2) })
	bus.SubscribeAll(func(Event) { order = append(order, 3) })

	bus.Publish(BatchQueued{BatchID: "b1", Position: 1, TotalQueued: 1})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(slog.Default())

	var reached bool
	bus.Subscribe(KindBatchQueued, func(Event) { panic("handler bug") })
	bus.Subscribe(KindBatchQueued, func(Event) { reached = true })

	assert.NotPanics(t, func() {
		bus.Publish(BatchQueued{BatchID: "b1", Position: 1, TotalQueued: 1})
	})
	assert.True(t, reached)
}
