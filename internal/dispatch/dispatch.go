package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"loomcore/pkg/instance"
	"loomcore/pkg/resolver"
)

// State models the lifecycle of one dispatch call.
type State string

// Dispatch states.
const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateExecuting   State = "executing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// MetricsRecorder observes completed dispatches. Implementations live in the
// runtime package (expvar and Prometheus recorders).
type MetricsRecorder interface {
	ObserveDispatch(operation, driver, status string, elapsed time.Duration)
}

// Dispatcher executes one CRUD call per invocation: it resolves a fresh
// resolver session for the target entity, injects the caller's auth context,
// awaits the backend call, and records the outcome.
type Dispatcher struct {
	registry *Registry
	logger   *zap.SugaredLogger
	metrics  MetricsRecorder
	// requireAuth rejects dispatches lacking a caller identity before any
	// backend call is attempted.
	requireAuth bool
}

// NewDispatcher wires a dispatcher over registry. metrics may be nil.
func NewDispatcher(registry *Registry, logger *zap.SugaredLogger, metrics MetricsRecorder, requireAuth bool) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{registry: registry, logger: logger, metrics: metrics, requireAuth: requireAuth}
}

// Registry exposes the underlying resolver registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// call tracks one dispatch through its state machine.
type call struct {
	operation string
	entity    string
	driver    string
	state     State
	started   time.Time
}

func (d *Dispatcher) begin(operation, entity string) *call {
	return &call{operation: operation, entity: entity, state: StateIdle, started: time.Now()}
}

func (c *call) transition(next State) { c.state = next }

func (d *Dispatcher) finish(c *call, err error) {
	status := string(StateCompleted)
	if err != nil {
		c.transition(StateFailed)
		status = string(StateFailed)
		d.logger.Debugw("dispatch failed",
			"operation", c.operation, "entity", c.entity, "resolver", c.driver, "error", err)
	} else {
		c.transition(StateCompleted)
		d.logger.Debugw("dispatch completed",
			"operation", c.operation, "entity", c.entity, "resolver", c.driver)
	}
	if d.metrics != nil {
		d.metrics.ObserveDispatch(c.operation, c.driver, status, time.Since(c.started))
	}
}

// resolve moves the call to Dispatching, constructs the session, and checks
// the auth precondition. UnauthorisedError fires before any backend work.
func (d *Dispatcher) resolve(c *call, req resolver.Request) (resolver.Resolver, error) {
	c.transition(StateDispatching)
	if d.requireAuth && req.Auth.IsZero() {
		return nil, &resolver.UnauthorisedError{Operation: c.operation}
	}
	session, name, err := d.registry.GetResolver(c.entity)
	if err != nil {
		return nil, err
	}
	c.driver = name
	return session, nil
}

// Create dispatches a create call for req.Instance. A nil result is a valid
// "not created" outcome distinct from failure.
func (d *Dispatcher) Create(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	c := d.begin(resolver.CapCreate, req.Instance.FQName)
	session, err := d.resolve(c, req)
	if err != nil {
		d.finish(c, err)
		return nil, err
	}
	creator, ok := session.(resolver.Creator)
	if !ok {
		err := &resolver.NotImplementedError{Driver: session.Driver(), Capability: resolver.CapCreate}
		d.finish(c, err)
		return nil, err
	}
	c.transition(StateExecuting)
	out, err := creator.CreateInstance(ctx, req)
	d.finish(c, err)
	if err != nil {
		return nil, &resolver.ExecutionError{Driver: session.Driver(), Operation: resolver.CapCreate, Err: err}
	}
	return out, nil
}

// Upsert dispatches an upsert call for req.Instance.
func (d *Dispatcher) Upsert(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	c := d.begin(resolver.CapUpsert, req.Instance.FQName)
	session, err := d.resolve(c, req)
	if err != nil {
		d.finish(c, err)
		return nil, err
	}
	upserter, ok := session.(resolver.Upserter)
	if !ok {
		err := &resolver.NotImplementedError{Driver: session.Driver(), Capability: resolver.CapUpsert}
		d.finish(c, err)
		return nil, err
	}
	c.transition(StateExecuting)
	out, err := upserter.UpsertInstance(ctx, req)
	d.finish(c, err)
	if err != nil {
		return nil, &resolver.ExecutionError{Driver: session.Driver(), Operation: resolver.CapUpsert, Err: err}
	}
	return out, nil
}

// Update dispatches an update applying req.NewAttrs to the addressed
// instance.
func (d *Dispatcher) Update(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	c := d.begin(resolver.CapUpdate, req.Instance.FQName)
	session, err := d.resolve(c, req)
	if err != nil {
		d.finish(c, err)
		return nil, err
	}
	updater, ok := session.(resolver.Updater)
	if !ok {
		err := &resolver.NotImplementedError{Driver: session.Driver(), Capability: resolver.CapUpdate}
		d.finish(c, err)
		return nil, err
	}
	c.transition(StateExecuting)
	out, err := updater.UpdateInstance(ctx, req)
	d.finish(c, err)
	if err != nil {
		return nil, &resolver.ExecutionError{Driver: session.Driver(), Operation: resolver.CapUpdate, Err: err}
	}
	return out, nil
}

// Query dispatches a query scoped by req.Instance's filter attributes. A nil
// or empty slice is a valid "not found" outcome distinct from failure.
func (d *Dispatcher) Query(ctx context.Context, req resolver.Request) ([]*instance.Instance, error) {
	c := d.begin(resolver.CapQuery, req.Instance.FQName)
	session, err := d.resolve(c, req)
	if err != nil {
		d.finish(c, err)
		return nil, err
	}
	querier, ok := session.(resolver.Querier)
	if !ok {
		err := &resolver.NotImplementedError{Driver: session.Driver(), Capability: resolver.CapQuery}
		d.finish(c, err)
		return nil, err
	}
	c.transition(StateExecuting)
	out, err := querier.QueryInstances(ctx, req)
	d.finish(c, err)
	if err != nil {
		return nil, &resolver.ExecutionError{Driver: session.Driver(), Operation: resolver.CapQuery, Err: err}
	}
	return out, nil
}

// Delete dispatches a delete for the addressed instance.
func (d *Dispatcher) Delete(ctx context.Context, req resolver.Request) (*instance.Instance, error) {
	c := d.begin(resolver.CapDelete, req.Instance.FQName)
	session, err := d.resolve(c, req)
	if err != nil {
		d.finish(c, err)
		return nil, err
	}
	deleter, ok := session.(resolver.Deleter)
	if !ok {
		err := &resolver.NotImplementedError{Driver: session.Driver(), Capability: resolver.CapDelete}
		d.finish(c, err)
		return nil, err
	}
	c.transition(StateExecuting)
	out, err := deleter.DeleteInstance(ctx, req)
	d.finish(c, err)
	if err != nil {
		return nil, &resolver.ExecutionError{Driver: session.Driver(), Operation: resolver.CapDelete, Err: err}
	}
	return out, nil
}
