package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/finchlabs/finch/internal/diag"
)

func echoSpec(name string) Spec {
	return Spec{
		Name:        name,
		Description: "echo",
		Schema: ObjectSchema(map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		}, "text"),
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			return NewResult(strArg(args, "text"))
		},
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	if err := reg.Register(echoSpec("echo")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echoSpec("echo")); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if len(reg.List()) != 1 {
		t.Errorf("List = %d entries", len(reg.List()))
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	res := reg.Dispatch(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchValidatesSchema(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	reg.MustRegister(echoSpec("echo"))

	// Missing required field.
	res := reg.Dispatch(context.Background(), "echo", map[string]interface{}{})
	if !res.IsError || !strings.Contains(res.ForLLM, "invalid arguments") {
		t.Errorf("result = %+v", res)
	}

	// Wrong type.
	res = reg.Dispatch(context.Background(), "echo", map[string]interface{}{"text": 42})
	if !res.IsError {
		t.Error("wrong-typed argument passed validation")
	}

	res = reg.Dispatch(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if res.IsError || res.ForLLM != "hi" {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	bus := diag.NewBus()
	reg := NewRegistry(bus)
	reg.MustRegister(Spec{
		Name:   "boom",
		Schema: ObjectSchema(map[string]interface{}{}),
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			panic("kaboom")
		},
	})

	res := reg.Dispatch(context.Background(), "boom", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "kaboom") {
		t.Errorf("result = %+v", res)
	}
	if errs := bus.Query(diag.Filter{Types: []string{diag.EventError}}); errs.Total != 1 {
		t.Errorf("error events = %d, want 1", errs.Total)
	}
}

func TestDispatchNilResult(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	reg.MustRegister(Spec{
		Name: "nothing",
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			return nil
		},
	})
	res := reg.Dispatch(context.Background(), "nothing", nil)
	if !res.IsError {
		t.Error("nil handler result should become an error")
	}
}

func TestDispatchTimeout(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	reg.MustRegister(Spec{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			select {
			case <-ctx.Done():
				return ErrorResult("cancelled: " + ctx.Err().Error())
			case <-time.After(5 * time.Second):
				return NewResult("too late")
			}
		},
	})
	res := reg.Dispatch(context.Background(), "slow", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "deadline") {
		t.Errorf("result = %+v", res)
	}
}

func TestDispatchEmitsToolCallEvent(t *testing.T) {
	bus := diag.NewBus()
	reg := NewRegistry(bus)
	reg.MustRegister(echoSpec("echo"))
	reg.Dispatch(context.Background(), "echo", map[string]interface{}{"text": "x"})

	res := bus.Query(diag.Filter{Types: []string{diag.EventToolCall}})
	if res.Total != 1 {
		t.Fatalf("tool.call events = %d", res.Total)
	}
	if res.Events[0].Fields["tool"] != "echo" {
		t.Errorf("event fields = %v", res.Events[0].Fields)
	}
}

func TestProviderDefs(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	reg.MustRegister(echoSpec("b_tool"))
	reg.MustRegister(echoSpec("a_tool"))

	defs := reg.ProviderDefs()
	if len(defs) != 2 || defs[0].Name != "a_tool" || defs[1].Name != "b_tool" {
		t.Errorf("defs = %+v", defs)
	}
	if defs[0].InputSchema == nil {
		t.Error("schema missing from provider def")
	}
}

func TestInvalidSchemaRejected(t *testing.T) {
	reg := NewRegistry(diag.NewBus())
	err := reg.Register(Spec{
		Name:    "bad",
		Schema:  map[string]interface{}{"type": 12345},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result { return nil },
	})
	if err == nil {
		t.Fatal("invalid schema accepted")
	}
}
