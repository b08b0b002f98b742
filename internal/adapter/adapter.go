package adapter

import "context"

// Adapter is a chat surface feeding task submissions and approvals
// into the engine.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}
