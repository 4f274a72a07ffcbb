// Package eventbus provides the typed publish/subscribe router that connects
// the lodge scheduler, its agents, and any number of observers.
//
// # Overview
//
// Events are immutable records describing a state transition: a task was
// queued, assigned, completed, retried, failed or cancelled, or an agent
// changed lifecycle state. The scheduler publishes them; observers receive
// them through subscriptions.
//
// A Subscription binds one observer Connection to a Filter. Each connection
// is an opaque Deliverer, so the bus never needs to know whether a subscriber
// is a WebSocket, a Redis relay or an in-process channel.
//
// # Delivery Model
//
// Publish never blocks on a subscriber. Every subscription owns a bounded
// outbound buffer and a goroutine that drains it in publication order:
//
//	bus.Publish(ev) -> [sub A buffer] -> goroutine A -> connA.Deliver(ctx, ev)
//	                -> [sub B buffer] -> goroutine B -> connB.Deliver(ctx, ev)
//
// Events are delivered to a single subscriber in the order they were
// published. There is no total order across subscribers, but every event
// carries a bus-wide Seq so observers can correlate streams.
//
// # Backpressure
//
// When a subscriber's buffer is full the oldest buffered event is dropped.
// Before the next buffered event is delivered the subscriber receives one
// synthetic EventEventsDropped marker whose payload "count" is the number of
// events lost since the previous marker. Subscribers must tolerate such gaps.
//
// A Deliver call that returns an error tears the subscription down.
//
// # Usage Example
//
//	bus := eventbus.New(eventbus.Config{BufferCapacity: 64})
//	defer bus.Close()
//
//	updates := make(chan eventbus.Event, 16)
//	subID, err := bus.Subscribe(eventbus.Connection{
//		ID:        "dashboard-1",
//		Deliverer: eventbus.ChannelDeliverer(updates),
//	}, eventbus.Filter{Types: []eventbus.EventType{eventbus.EventTaskCompleted}})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer bus.Unsubscribe(subID)
//
//	bus.Publish(eventbus.NewEvent(eventbus.EventTaskCompleted, taskID, nil))
package eventbus
