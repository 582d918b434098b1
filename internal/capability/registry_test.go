package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func echoCapability(name string) *Capability {
	return &Capability{
		Name:        name,
		Description: "echoes its input",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (*Result, error) {
			return &Result{Output: stringArg(args, "text")}, nil
		},
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(echoCapability("echo")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(echoCapability("echo")); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&Capability{Handler: func(context.Context, map[string]any) (*Result, error) { return nil, nil }}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := r.Register(&Capability{Name: "no_handler"}); err == nil {
		t.Error("expected error for missing handler")
	}
}

func TestDefinitionsOrder(t *testing.T) {
	r := newTestRegistry(t)
	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		if err := r.Register(echoCapability(n)); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}

	// Registration order must survive, not map iteration order.
	for i := 0; i < 3; i++ {
		defs := r.Definitions()
		if len(defs) != len(names) {
			t.Fatalf("got %d definitions, want %d", len(defs), len(names))
		}
		for j, want := range names {
			if defs[j].Name != want {
				t.Fatalf("defs[%d].Name = %q, want %q", j, defs[j].Name, want)
			}
		}
	}
}

func TestInvokeUnknown(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Invoke(context.Background(), "nope", "{}")
	var unknown *UnknownCapabilityError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownCapabilityError", err)
	}
	if unknown.Name != "nope" {
		t.Errorf("Name = %q, want nope", unknown.Name)
	}
}

func TestInvokeInvalidArguments(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(echoCapability("echo")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args string
	}{
		{"not json", "{not json"},
		{"missing required", `{}`},
		{"wrong type", `{"text": 42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "echo", tt.args)
			var invalid *InvalidArgumentsError
			if !errors.As(err, &invalid) {
				t.Fatalf("error = %v, want InvalidArgumentsError", err)
			}
			if invalid.Capability != "echo" {
				t.Errorf("Capability = %q, want echo", invalid.Capability)
			}
		})
	}
}

func TestInvokeSuccess(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(echoCapability("echo")); err != nil {
		t.Fatal(err)
	}

	res, err := r.Invoke(context.Background(), "echo", `{"text": "hello"}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "hello" {
		t.Errorf("Output = %q, want hello", res.Output)
	}
}

func TestInvokeHandlerFailure(t *testing.T) {
	r := newTestRegistry(t)
	boom := fmt.Errorf("downstream unavailable")
	if err := r.Register(&Capability{
		Name:        "flaky",
		Description: "always fails",
		Handler: func(context.Context, map[string]any) (*Result, error) {
			return nil, boom
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Invoke(context.Background(), "flaky", "")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want ExecutionError", err)
	}
	if execErr.Capability != "flaky" {
		t.Errorf("Capability = %q, want flaky", execErr.Capability)
	}
	if !errors.Is(err, boom) {
		t.Error("ExecutionError should unwrap to the handler error")
	}
}

func TestInvokeEmptyArgs(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&Capability{
		Name:        "noargs",
		Description: "takes nothing",
		Handler: func(_ context.Context, args map[string]any) (*Result, error) {
			if args == nil {
				t.Error("handler received nil args")
			}
			return &Result{Output: "ok"}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Invoke(context.Background(), "noargs", "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("Output = %q, want ok", res.Output)
	}
}

func TestInvokeNilResult(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&Capability{
		Name:        "quiet",
		Description: "returns nothing",
		Handler: func(context.Context, map[string]any) (*Result, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := r.Invoke(context.Background(), "quiet", "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res == nil {
		t.Fatal("expected non-nil result for nil handler return")
	}
}

func TestValidateArgsTypes(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"flag":  map[string]any{"type": "boolean"},
			"name":  map[string]any{"type": "string"},
		},
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"all valid", map[string]any{"count": float64(3), "ratio": 0.5, "flag": true, "name": "x"}, false},
		{"integer as fraction", map[string]any{"count": 3.5}, true},
		{"number as string", map[string]any{"ratio": "high"}, true},
		{"boolean as int", map[string]any{"flag": float64(1)}, true},
		{"unknown key allowed", map[string]any{"extra": "ignored"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateArgs(params, tt.args)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
