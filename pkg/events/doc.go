/*
Package events provides an in-memory broker for instance lifecycle events.

Every lifecycle transition the manager completes (created, running, stopped,
destroyed, exited) is published here. Delivery is best-effort fan-out over
buffered channels: a slow subscriber skips events rather than blocking the
manager. Subscribers today are metrics refreshers; the broker is not a
durable log.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s %s\n", event.Type, event.Name)
		}
	}()
*/
package events
