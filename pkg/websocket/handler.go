package websocket

import "context"

// Handler processes one request message and produces the response.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes request messages to the handler registered for their
// action. Registration happens at startup; Dispatch is then read-only.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty action registry.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action.
func (d *Dispatcher) Register(action string, handler Handler) {
	d.handlers[action] = handler
}

// RegisterFunc binds a handler function to an action.
func (d *Dispatcher) RegisterFunc(action string, handler HandlerFunc) {
	d.handlers[action] = handler
}

// Dispatch invokes the handler for msg.Action, answering unknown actions
// with an error response rather than a transport failure.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	handler, ok := d.handlers[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return handler.Handle(ctx, msg)
}

// HasHandler reports whether an action is registered.
func (d *Dispatcher) HasHandler(action string) bool {
	_, ok := d.handlers[action]
	return ok
}
