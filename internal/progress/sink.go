package progress

import "context"

// Sink consumes progress events. Implementations must tolerate repeated
// calls and may be invoked from the hub's dispatch goroutine only.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies it so the harvest
// pipeline stays agnostic about buffering and fan-out.
type Emitter interface {
	Emit(evt Event)
}
