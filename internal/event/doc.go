/*
Package event provides a type-safe pub/sub bus for the client engine.

The session controller publishes turn progress on it and the thread registry
publishes cache changes, so UI layers re-render push-based instead of polling.
A Bus is created at composition time and passed by reference; there is no
package-level instance.

Publishing:

	bus.Publish(event.Event{
		Type: event.TurnUpdated,
		Data: event.TurnUpdatedData{ThreadID: id, Turn: snapshot},
	})

Publish calls each subscriber in its own goroutine; PublishSync calls them in
the publisher's goroutine and is the right choice when ordering matters more
than latency.

Subscribing:

	unsubscribe := bus.Subscribe(event.TurnUpdated, func(e event.Event) {
		data := e.Data.(event.TurnUpdatedData)
		render(data.Turn)
	})
	defer unsubscribe()

Subscribers used with PublishSync must return quickly and must not publish
from within the callback.

The bus is built on watermill's gochannel; PubSub exposes the underlying
infrastructure for middleware or a future distributed backend.
*/
package event
