package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces: "push." for normalized server pushes, "chat." for store
// changes, "call." for call coordinator changes, "transport." for
// connection lifecycle, "notice." for user-facing notifications.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
