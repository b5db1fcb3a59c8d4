package delivery

import "context"

// Bus carries sequenced messages between nodes so each node can fan out to its own
// connections. Delivery is best effort; a missed bus message is recovered by catch-up.
type Bus interface {
	// Publish announces a message committed on this node.
	Publish(ctx context.Context, m Message) error
	// Subscribe calls fn for every message committed on another node until ctx is done.
	Subscribe(ctx context.Context, fn func(Message)) error
	Close() error
}
