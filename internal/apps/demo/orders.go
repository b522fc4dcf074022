package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/functions"
)

// ErrInvalidOrder is returned for orders that cannot be accepted. It is
// reported to the host as a function failure.
var ErrInvalidOrder = errors.New("invalid order")

type order struct {
	ID       string  `json:"id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

func ordersModule() *functions.Module {
	return &functions.Module{
		Name: "orders",
		Entries: map[string]functions.EntryPoint{
			"Accept": {
				Signature: functions.Signature{
					Params: []functions.Param{
						{Name: "msg", Type: bindings.TypeQueueMessage},
						{Name: "receipt", Type: bindings.TypeMap, Out: true},
					},
				},
				Call: acceptOrder,
			},
			"Sweep": {
				Signature: functions.Signature{
					Params: []functions.Param{{Name: "timer", Type: bindings.TypeTimerRequest}},
					Async:  true,
				},
				Call: sweepOrders,
			},
		},
	}
}

// acceptOrder validates a queued order and writes a receipt to the output
// queue.
func acceptOrder(ctx context.Context, args *functions.Args) (any, error) {
	msg, _ := functions.Arg[*bindings.QueueMessage](args, "msg")
	if msg == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidOrder)
	}
	var o order
	if err := msg.JSON(&o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if o.ID == "" || o.Quantity <= 0 {
		return nil, fmt.Errorf("%w: order %q has quantity %d", ErrInvalidOrder, o.ID, o.Quantity)
	}

	if ic, ok := functions.FromContext(ctx); ok {
		ic.Logger().Info("order accepted", "order", o.ID, "dequeue_count", msg.DequeueCount)
	}
	args.Out("receipt").Set(map[string]any{
		"order":      o.ID,
		"message_id": msg.ID,
		"total":      float64(o.Quantity) * o.Price,
	})
	return nil, nil
}

// sweepOrders is a timer job. It waits for a short settle period and stops
// early when the invocation is cancelled.
func sweepOrders(ctx context.Context, args *functions.Args) (any, error) {
	timer, _ := functions.Arg[*bindings.TimerRequest](args, "timer")
	if ic, ok := functions.FromContext(ctx); ok && timer != nil && timer.PastDue {
		ic.Logger().Warn("sweep is running late")
	}

	select {
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
