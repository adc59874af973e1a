package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/edgelift/edgelift/pkg/retry"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (map[string]string, error) {
		return nil, nil
	})
}

func TestNewRegistry_Validation(t *testing.T) {
	if _, err := NewRegistry(); err == nil {
		t.Error("Expected error for empty registry")
	}
	if _, err := NewRegistry(StepSpec{Name: "", Handler: noopHandler()}); err == nil {
		t.Error("Expected error for empty step name")
	}
	if _, err := NewRegistry(StepSpec{Name: "enable-apis"}); err == nil {
		t.Error("Expected error for nil handler")
	}
	_, err := NewRegistry(
		StepSpec{Name: "enable-apis", Handler: noopHandler()},
		StepSpec{Name: "enable-apis", Handler: noopHandler()},
	)
	if err == nil {
		t.Error("Expected error for duplicate step name")
	}
}

func TestRegistry_OrderAndLookup(t *testing.T) {
	registry, err := NewRegistry(
		StepSpec{Name: "enable-apis", Class: ClassNetworkIntensive, Handler: noopHandler()},
		StepSpec{Name: "create-service-accounts", Class: ClassCritical, Handler: noopHandler()},
		StepSpec{Name: "deploy-firestore-rules", Handler: noopHandler()},
	)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"enable-apis", "create-service-accounts", "deploy-firestore-rules"}
	got := registry.StepNames()
	if len(got) != len(want) {
		t.Fatalf("Expected %d names, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Name %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	spec, ok := registry.Lookup("create-service-accounts")
	if !ok || spec.Class != ClassCritical {
		t.Errorf("Lookup returned wrong spec: %+v ok=%v", spec, ok)
	}

	// Unset class defaults on registration.
	spec, _ = registry.Lookup("deploy-firestore-rules")
	if spec.Class != ClassDefault {
		t.Errorf("Expected default class, got %s", spec.Class)
	}

	if _, ok := registry.Lookup("nope"); ok {
		t.Error("Lookup of unknown step must fail")
	}
}

func TestStepClass_Policy(t *testing.T) {
	cases := []struct {
		class StepClass
		want  retry.Policy
	}{
		{ClassDefault, retry.Default()},
		{ClassCritical, retry.Critical()},
		{ClassNetworkIntensive, retry.NetworkIntensive()},
		{StepClass("unknown"), retry.Default()},
	}
	for _, tc := range cases {
		got := tc.class.Policy()
		if got.MaxAttempts != tc.want.MaxAttempts || got.InitialDelay != tc.want.InitialDelay {
			t.Errorf("Class %s: expected %+v, got %+v", tc.class, tc.want, got)
		}
	}
}

func TestRequest_RequireOutput(t *testing.T) {
	req := Request{Outputs: map[string]string{"gatewayUrl": "https://gw", "empty": ""}}

	v, err := req.RequireOutput("gatewayUrl")
	if err != nil || v != "https://gw" {
		t.Errorf("Expected present output, got %q, %v", v, err)
	}

	for _, key := range []string{"missing", "empty"} {
		_, err := req.RequireOutput(key)
		if err == nil {
			t.Fatalf("Expected error for output %q", key)
		}
		if !IsPermanent(err) {
			t.Errorf("Missing output must be permanent, got: %v", err)
		}
		var de *DeployError
		if !errors.As(err, &de) || de.Code != ErrCodeMissingOutput {
			t.Errorf("Expected %s code, got: %v", ErrCodeMissingOutput, err)
		}
	}
}
