package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gilestrolab/ethoscope-node/pkg/module"
	"go.uber.org/zap"
)

// testModule is a minimal module for testing.
type testModule struct {
	info     module.Info
	initErr  error
	startErr error
}

func newTestModule(name string, deps ...string) *testModule {
	return &testModule{
		info: module.Info{
			Name:         name,
			Version:      "1.0.0",
			Description:  "test module " + name,
			Dependencies: deps,
			APIVersion:   module.APIVersionCurrent,
		},
	}
}

func (m *testModule) Info() module.Info                                   { return m.info }
func (m *testModule) Init(_ context.Context, _ module.Dependencies) error { return m.initErr }
func (m *testModule) Start(_ context.Context) error                       { return m.startErr }
func (m *testModule) Stop(_ context.Context) error                        { return nil }

// orderModule records stop order into a shared slice.
type orderModule struct {
	testModule
	stopOrder *[]string
}

func (m *orderModule) Stop(_ context.Context) error {
	*m.stopOrder = append(*m.stopOrder, m.info.Name)
	return nil
}

// httpModule also implements module.HTTPProvider.
type httpModule struct {
	testModule
	routes []module.Route
}

func (m *httpModule) Routes() []module.Route { return m.routes }

func testDeps() func(string) module.Dependencies {
	return func(name string) module.Dependencies {
		return module.Dependencies{Logger: zap.NewNop().Named(name)}
	}
}

func TestRegister(t *testing.T) {
	reg := New(zap.NewNop())

	if err := reg.Register(newTestModule("fleet")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(newTestModule("fleet")); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestRegisterEmptyName(t *testing.T) {
	reg := New(zap.NewNop())
	if err := reg.Register(newTestModule("")); err == nil {
		t.Error("empty name must fail")
	}
}

func TestValidateWithDeps(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register(newTestModule("roster"))
	reg.Register(newTestModule("fleet", "roster"))
	reg.Register(newTestModule("stream", "fleet"))

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Topological order: roster before fleet before stream.
	idx := make(map[string]int)
	for i, name := range reg.order {
		idx[name] = i
	}
	if idx["roster"] > idx["fleet"] || idx["fleet"] > idx["stream"] {
		t.Errorf("order = %v", reg.order)
	}
}

func TestValidateCycleDetection(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register(newTestModule("a", "b"))
	reg.Register(newTestModule("b", "a"))

	err := reg.Validate()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateMissingRequiredDep(t *testing.T) {
	reg := New(zap.NewNop())
	m := newTestModule("fleet", "ghost")
	m.info.Required = true
	reg.Register(m)

	if err := reg.Validate(); err == nil {
		t.Error("required module with missing dep must fail validation")
	}
}

func TestValidateDisablesOptionalWithMissingDep(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register(newTestModule("stream", "ghost"))

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !reg.IsDisabled("stream") {
		t.Error("optional module with missing dep must be disabled")
	}
}

func TestValidateCascadeDisable(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register(newTestModule("fleet", "ghost"))
	reg.Register(newTestModule("stream", "fleet"))
	reg.Register(newTestModule("ws", "stream"))

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, name := range []string{"fleet", "stream", "ws"} {
		if !reg.IsDisabled(name) {
			t.Errorf("%s not cascade-disabled", name)
		}
	}
}

func TestAPIVersionIncompatible(t *testing.T) {
	reg := New(zap.NewNop())
	m := newTestModule("old")
	m.info.APIVersion = module.APIVersionCurrent + 1
	reg.Register(m)

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !reg.IsDisabled("old") {
		t.Error("incompatible optional module must be disabled")
	}
}

func TestAPIVersionIncompatibleRequired(t *testing.T) {
	reg := New(zap.NewNop())
	m := newTestModule("core")
	m.info.Required = true
	m.info.APIVersion = module.APIVersionCurrent + 1
	reg.Register(m)

	if err := reg.Validate(); err == nil {
		t.Error("incompatible required module must fail validation")
	}
}

func TestInitAll(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register(newTestModule("roster"))
	reg.Register(newTestModule("fleet", "roster"))
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if err := reg.InitAll(context.Background(), testDeps()); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
}

func TestInitAllRequiredFails(t *testing.T) {
	reg := New(zap.NewNop())
	m := newTestModule("fleet")
	m.info.Required = true
	m.initErr = errors.New("no multicast interface")
	reg.Register(m)
	reg.Validate()

	if err := reg.InitAll(context.Background(), testDeps()); err == nil {
		t.Error("required module init failure must abort")
	}
}

func TestInitAllOptionalDisabledOnFailure(t *testing.T) {
	reg := New(zap.NewNop())
	m := newTestModule("notify")
	m.initErr = errors.New("bad webhook url")
	reg.Register(m)
	reg.Register(newTestModule("fleet"))
	reg.Validate()

	if err := reg.InitAll(context.Background(), testDeps()); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if !reg.IsDisabled("notify") {
		t.Error("failed optional module must be disabled")
	}
	if _, ok := reg.Get("fleet"); !ok {
		t.Error("healthy module must remain active")
	}
}

func TestStartAllOptionalDisabledOnFailure(t *testing.T) {
	reg := New(zap.NewNop())
	m := newTestModule("stream")
	m.startErr = errors.New("listen failed")
	reg.Register(m)
	reg.Validate()
	reg.InitAll(context.Background(), testDeps())

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !reg.IsDisabled("stream") {
		t.Error("failed optional module must be disabled")
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	reg := New(zap.NewNop())
	var stopped []string

	mk := func(name string, deps ...string) *orderModule {
		om := &orderModule{stopOrder: &stopped}
		om.info = module.Info{
			Name:         name,
			Version:      "1.0.0",
			Dependencies: deps,
			APIVersion:   module.APIVersionCurrent,
		}
		return om
	}

	reg.Register(mk("roster"))
	reg.Register(mk("fleet", "roster"))
	reg.Register(mk("stream", "fleet"))
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	reg.StopAll(context.Background())

	if len(stopped) != 3 {
		t.Fatalf("stopped = %v", stopped)
	}
	idx := make(map[string]int)
	for i, name := range stopped {
		idx[name] = i
	}
	if idx["stream"] > idx["fleet"] || idx["fleet"] > idx["roster"] {
		t.Errorf("stop order = %v, want reverse of start order", stopped)
	}
}

func TestGetSkipsDisabled(t *testing.T) {
	reg := New(zap.NewNop())
	reg.Register(newTestModule("stream", "ghost"))
	reg.Register(newTestModule("fleet"))
	reg.Validate()

	if _, ok := reg.Get("stream"); ok {
		t.Error("Get must not return disabled modules")
	}
	if _, ok := reg.Get("fleet"); !ok {
		t.Error("Get must return active modules")
	}
	if _, ok := reg.Resolve("fleet"); !ok {
		t.Error("Resolve must return active modules")
	}
}

func TestAllRoutes(t *testing.T) {
	reg := New(zap.NewNop())
	hm := &httpModule{routes: []module.Route{{Method: "GET", Path: "/devices"}}}
	hm.info = module.Info{Name: "fleet", Version: "1.0.0", APIVersion: module.APIVersionCurrent}
	reg.Register(hm)
	reg.Register(newTestModule("roster"))
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	routes := reg.AllRoutes()
	if len(routes) != 1 {
		t.Fatalf("routes = %v", routes)
	}
	if len(routes["fleet"]) != 1 || routes["fleet"][0].Path != "/devices" {
		t.Errorf("fleet routes = %v", routes["fleet"])
	}
}
