package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/inframate/inframate/pkg/recovery"
)

func TestParseInjection(t *testing.T) {
	tests := []struct {
		in      string
		step    string
		class   recovery.Classification
		wantErr bool
	}{
		{"analyze=network", "analyze", recovery.ClassNetwork, false},
		{"secure=terraform", "secure", recovery.ClassInfrastructureTool, false},
		{" optimize = api_error", "optimize", recovery.ClassAPI, false},
		{"analyze", "", "", true},
		{"=network", "", "", true},
		{"analyze=gremlins", "", "", true},
	}
	for _, tt := range tests {
		step, class, err := ParseInjection(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInjection(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if step != tt.step || class != tt.class {
			t.Errorf("ParseInjection(%q) = %s, %s", tt.in, step, class)
		}
	}
}

func TestFaultInjector_OneShot(t *testing.T) {
	fi := NewFaultInjector()
	fi.Inject("analyze", recovery.ClassNetwork)
	if !fi.Pending("analyze") {
		t.Fatal("expected a pending fault")
	}

	calls := 0
	fn := fi.Wrap("analyze", func(context.Context) (any, error) {
		calls++
		return nil, nil
	})

	_, err := fn(context.Background())
	se, ok := recovery.AsStepError(err)
	if !ok {
		t.Fatalf("expected a StepError, got %v", err)
	}
	if se.Classification != recovery.ClassNetwork || se.Code != recovery.ErrCodeInjected || se.Step != "analyze" {
		t.Errorf("unexpected step error %+v", se)
	}
	if !strings.HasPrefix(se.Message, TestErrorPrefix) {
		t.Errorf("message = %q", se.Message)
	}
	if calls != 0 {
		t.Error("the wrapped step must not run when the fault fires")
	}

	if _, err := fn(context.Background()); err != nil {
		t.Errorf("second call error = %v, want nil", err)
	}
	if calls != 1 || fi.Pending("analyze") {
		t.Error("the fault should fire exactly once")
	}
}

func TestFaultInjector_EveryClassRecovers(t *testing.T) {
	for _, class := range recovery.Classifications() {
		t.Run(string(class), func(t *testing.T) {
			fi := NewFaultInjector()
			fi.Inject("analyze", class)
			_, err := fi.Wrap("analyze", func(context.Context) (any, error) { return nil, nil })(context.Background())

			f := errorFault("analyze", err)
			c, sev := Classify(f)
			h := fastHandler()
			recovered, _ := h.Handle(context.Background(), string(c), f.Message, sev, nil)
			if class == recovery.ClassConfiguration {
				// Configuration faults need advice to recover.
				if recovered {
					t.Error("configuration fault recovered without advice")
				}
				return
			}
			if !recovered {
				t.Errorf("injected %s fault was not recovered", class)
			}
		})
	}
}
