package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestRegistryLookupAndOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"b", "a", "c"} {
		Register(r, mcp.NewTool(name), func(context.Context, *PooledConn, struct{}) (interface{}, error) {
			return name, nil
		})
	}

	var names []string
	for _, tool := range r.Tools() {
		names = append(names, tool.Name)
	}
	if strings.Join(names, ",") != "b,a,c" {
		t.Errorf("Tools() order = %v, want registration order", names)
	}

	op, ok := r.Lookup("a")
	if !ok || op.Name() != "a" {
		t.Fatalf("Lookup(a) = %v, %v", op, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) found an operation")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	handler := func(context.Context, *PooledConn, struct{}) (interface{}, error) { return nil, nil }
	Register(r, mcp.NewTool("dup"), handler)

	defer func() {
		if recover() == nil {
			t.Error("registering a duplicate name did not panic")
		}
	}()
	Register(r, mcp.NewTool("dup"), handler)
}

func TestOperationValidate(t *testing.T) {
	r := NewRegistry()
	type args struct {
		Name  string  `json:"name"`
		Limit float64 `json:"limit"`
		Flag  bool    `json:"flag"`
	}
	Register(r, mcp.NewTool("sample",
		mcp.WithString("name", mcp.Required()),
		mcp.WithNumber("limit"),
		mcp.WithBoolean("flag"),
	), func(_ context.Context, _ *PooledConn, a args) (interface{}, error) {
		return a, nil
	})
	op, _ := r.Lookup("sample")

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{"Valid", map[string]interface{}{"name": "x", "limit": 10.0, "flag": true}, false},
		{"Only required", map[string]interface{}{"name": "x"}, false},
		{"Extra properties are allowed", map[string]interface{}{"name": "x", "other": 1.0}, false},
		{"Missing required", map[string]interface{}{"limit": 1.0}, true},
		{"Null required", map[string]interface{}{"name": nil}, true},
		{"Empty required string", map[string]interface{}{"name": ""}, true},
		{"Wrong string type", map[string]interface{}{"name": 1.0}, true},
		{"Wrong number type", map[string]interface{}{"name": "x", "limit": "ten"}, true},
		{"Wrong boolean type", map[string]interface{}{"name": "x", "flag": "yes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := op.Validate(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() error %v is not a validation error", err)
			}
		})
	}
}

func TestRegisterBindsArguments(t *testing.T) {
	r := NewRegistry()
	Register(r, mcp.NewTool("echo", mcp.WithString("text", mcp.Required())), func(_ context.Context, _ *PooledConn, a struct {
		Text string `json:"text"`
	}) (interface{}, error) {
		return strings.ToUpper(a.Text), nil
	})
	op, _ := r.Lookup("echo")

	got, err := op.Handler(context.Background(), nil, map[string]interface{}{"text": "hi"})
	if err != nil || got != "HI" {
		t.Errorf("Handler() = %v, %v; want HI", got, err)
	}

	if _, err := op.Handler(context.Background(), nil, map[string]interface{}{"text": 5}); !errors.Is(err, ErrValidation) {
		t.Errorf("Handler() with bad binding error = %v, want validation", err)
	}
}
