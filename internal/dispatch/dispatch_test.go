package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"loomcore/pkg/instance"
	"loomcore/pkg/resolver"
)

// stubResolver implements only the capabilities its flags enable.
type stubResolver struct {
	driver    string
	createErr error
	created   *instance.Instance
}

func (s *stubResolver) Driver() string { return s.driver }

func (s *stubResolver) CreateInstance(_ context.Context, req resolver.Request) (*instance.Instance, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = req.Instance
	return req.Instance, nil
}

func (s *stubResolver) QueryInstances(_ context.Context, req resolver.Request) ([]*instance.Instance, error) {
	return []*instance.Instance{req.Instance}, nil
}

// readOnlyResolver deliberately implements no write capabilities.
type readOnlyResolver struct{}

func (readOnlyResolver) Driver() string { return "readonly" }

func (readOnlyResolver) QueryInstances(_ context.Context, req resolver.Request) ([]*instance.Instance, error) {
	return nil, nil
}

func sampleInstance() *instance.Instance {
	return &instance.Instance{FQName: "lab/Project", Attrs: map[string]any{"id": "p1"}}
}

func TestRegistryBindingAndDefault(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterResolver("primary", func() resolver.Resolver { return &stubResolver{driver: "stub"} }); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	if err := reg.RegisterResolver("primary", func() resolver.Resolver { return &stubResolver{driver: "stub"} }); err == nil {
		t.Fatalf("duplicate registration must fail")
	}
	if err := reg.SetResolver("lab/Project", "missing"); err == nil {
		t.Fatalf("binding to unregistered resolver must fail")
	}
	if err := reg.SetResolver("lab/Project", "primary"); err != nil {
		t.Fatalf("SetResolver: %v", err)
	}
	name, err := reg.ResolverName("lab/Project")
	if err != nil || name != "primary" {
		t.Fatalf("ResolverName = %q, %v", name, err)
	}

	// Unbound without a default.
	if _, err := reg.ResolverName("lab/Sample"); err == nil {
		t.Fatalf("unbound entity without default must fail")
	} else {
		var ub *resolver.UnboundEntityError
		if !errors.As(err, &ub) || ub.EntityPath != "lab/Sample" {
			t.Fatalf("expected UnboundEntityError, got %v", err)
		}
	}

	if err := reg.SetDefault("primary"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if name, err := reg.ResolverName("lab/Sample"); err != nil || name != "primary" {
		t.Fatalf("default fallback = %q, %v", name, err)
	}
}

func TestRegistrySessionsAreFresh(t *testing.T) {
	reg := NewRegistry()
	var constructed atomic.Int32
	if err := reg.RegisterResolver("primary", func() resolver.Resolver {
		constructed.Add(1)
		return &stubResolver{driver: "stub"}
	}); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	if err := reg.SetDefault("primary"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, false)
	for i := 0; i < 3; i++ {
		if _, err := d.Create(context.Background(), resolver.Request{Instance: sampleInstance()}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if got := constructed.Load(); got != 3 {
		t.Fatalf("expected a fresh session per dispatch, got %d constructions", got)
	}
}

func TestDispatchNotImplementedNamesCapability(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterResolver("ro", func() resolver.Resolver { return readOnlyResolver{} }); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	if err := reg.SetDefault("ro"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, false)

	_, err := d.Create(context.Background(), resolver.Request{Instance: sampleInstance()})
	var nie *resolver.NotImplementedError
	if !errors.As(err, &nie) {
		t.Fatalf("expected NotImplementedError, got %v", err)
	}
	if nie.Capability != resolver.CapCreate || nie.Driver != "readonly" {
		t.Fatalf("error should name capability and driver: %+v", nie)
	}

	if _, err := d.Query(context.Background(), resolver.Request{Instance: sampleInstance()}); err != nil {
		t.Fatalf("query should be implemented: %v", err)
	}
}

func TestDispatchPreservesBackendErrorVerbatim(t *testing.T) {
	reg := NewRegistry()
	boom := fmt.Errorf("boom")
	if err := reg.RegisterResolver("failing", func() resolver.Resolver { return &stubResolver{driver: "stub", createErr: boom} }); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	if err := reg.SetDefault("failing"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, false)

	_, err := d.Create(context.Background(), resolver.Request{Instance: sampleInstance()})
	if err == nil {
		t.Fatalf("expected failure")
	}
	var exec *resolver.ExecutionError
	if !errors.As(err, &exec) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("original error must be wrapped, got %v", err)
	}
	if got := exec.Err.Error(); got != "boom" {
		t.Fatalf("backend message altered: %q", got)
	}
}

func TestDispatchRequiresAuthWhenConfigured(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterResolver("primary", func() resolver.Resolver { return &stubResolver{driver: "stub"} }); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	if err := reg.SetDefault("primary"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	d := NewDispatcher(reg, nil, nil, true)

	_, err := d.Create(context.Background(), resolver.Request{Instance: sampleInstance()})
	var unauth *resolver.UnauthorisedError
	if !errors.As(err, &unauth) {
		t.Fatalf("expected UnauthorisedError, got %v", err)
	}

	auth := resolver.AuthContext{UserID: "u1", SessionID: "s1"}
	if _, err := d.Create(context.Background(), resolver.Request{Auth: auth, Instance: sampleInstance()}); err != nil {
		t.Fatalf("authorised create: %v", err)
	}
}

type countingMetrics struct {
	calls atomic.Int32
	last  string
}

func (m *countingMetrics) ObserveDispatch(operation, driver, status string, _ time.Duration) {
	m.calls.Add(1)
	m.last = operation + "/" + driver + "/" + status
}

func TestDispatchObservesMetrics(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterResolver("primary", func() resolver.Resolver { return &stubResolver{driver: "stub"} }); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	if err := reg.SetDefault("primary"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	metrics := &countingMetrics{}
	d := NewDispatcher(reg, nil, metrics, false)
	if _, err := d.Create(context.Background(), resolver.Request{Instance: sampleInstance()}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if metrics.calls.Load() != 1 {
		t.Fatalf("expected one observation, got %d", metrics.calls.Load())
	}
	if metrics.last != "create/stub/completed" {
		t.Fatalf("observation = %q", metrics.last)
	}
}

func TestSupportsTransactions(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterResolver("plain", func() resolver.Resolver { return &stubResolver{driver: "stub"} }); err != nil {
		t.Fatalf("RegisterResolver: %v", err)
	}
	ok, err := reg.SupportsTransactions("plain")
	if err != nil {
		t.Fatalf("SupportsTransactions: %v", err)
	}
	if ok {
		t.Fatalf("stub resolver must not report transaction support")
	}
	if _, err := reg.SupportsTransactions("ghost"); err == nil {
		t.Fatalf("unknown resolver must fail")
	}
}
