package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Reply is one outbound message. UI carries platform-neutral interactive
// elements such as button rows.
type Reply struct {
	Text string
	UI   map[string]any
}

// Replier sends replies to the conversation a message came from. It may be
// called from the goroutine running a chat turn.
type Replier interface {
	Reply(ctx context.Context, r Reply) error
}
