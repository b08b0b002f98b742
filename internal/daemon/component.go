package daemon

import "context"

type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// Component is one lifecycle-managed part of the daemon. Components
// are initialized and started in registration order and stopped in
// reverse.
type Component interface {
	Name() string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

// Func wraps plain start/stop functions as a Component, for parts that
// have no lifecycle of their own.
type Func struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
	OnHealth      func(ctx context.Context) error
}

func (f *Func) Name() string { return f.ComponentName }

func (f *Func) Init(ctx context.Context) error { return nil }

func (f *Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f *Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}

func (f *Func) Health(ctx context.Context) error {
	if f.OnHealth == nil {
		return nil
	}
	return f.OnHealth(ctx)
}
