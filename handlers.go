package eventbus

import (
	"context"
	"fmt"

	"github.com/camtittle/photosharing-eventbus/invoke"
	"github.com/camtittle/photosharing-eventbus/message"
)

// Handlers exposes the bus entry points as invoke.Func values. Payloads
// are decoded with the bus codec.
type Handlers struct {
	bus *Bus
}

// Handlers returns the bus entry points.
func (b *Bus) Handlers() *Handlers {
	return &Handlers{bus: b}
}

// Register makes the publish, dispatch and confirm entry points reachable
// through r under their default names, or under the configured dispatch
// function name.
func (b *Bus) Register(r invoke.Registrar) {
	h := b.Handlers()
	dispatchName := b.dispatchFunction
	if dispatchName == "" {
		dispatchName = DefaultDispatchFunction
	}
	r.Register(DefaultPublishFunction, h.Publish)
	r.Register(dispatchName, h.Dispatch)
	r.Register(DefaultConfirmFunction, h.Confirm)
}

// Publish handles a message.PublishRequest.
func (h *Handlers) Publish(ctx context.Context, payload []byte) ([]byte, error) {
	var req message.PublishRequest
	if err := h.bus.codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode publish request: %w", err)
	}
	return nil, h.bus.Publish(ctx, req)
}

// Dispatch handles a message.DispatchRequest.
func (h *Handlers) Dispatch(ctx context.Context, payload []byte) ([]byte, error) {
	var req message.DispatchRequest
	if err := h.bus.codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode dispatch request: %w", err)
	}
	return nil, h.bus.Dispatch(ctx, req)
}

// Confirm handles a message.ConfirmRequest.
func (h *Handlers) Confirm(ctx context.Context, payload []byte) ([]byte, error) {
	var req message.ConfirmRequest
	if err := h.bus.codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode confirm request: %w", err)
	}
	return nil, h.bus.Confirm(ctx, req)
}
