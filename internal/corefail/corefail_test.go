package corefail

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestInvariantPanicsWithFailure(t *testing.T) {
	defer func() {
		r := recover()
		f, ok := r.(*Failure)
		if !ok {
			t.Fatalf("recovered value is not *Failure: %#v", r)
		}
		if f.Kind != KindInvariant {
			t.Errorf("Kind = %v, want %v", f.Kind, KindInvariant)
		}
	}()
	Invariant("pointer %d unknown", 42)
}

func TestRuntimeWrapsError(t *testing.T) {
	defer func() {
		r := recover()
		f, ok := r.(*Failure)
		if !ok {
			t.Fatalf("recovered value is not *Failure: %#v", r)
		}
		if f.Kind != KindRuntime {
			t.Errorf("Kind = %v, want %v", f.Kind, KindRuntime)
		}
	}()
	Runtime(errors.New("mmap failed"), "resolver allocate")
}

func TestGuardRepanicsAfterLogging(t *testing.T) {
	logger := zerolog.Nop()

	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatal("Guard must re-panic")
			}
		}()
		defer Guard(logger)
		Invariant("boom")
	}()
}

func TestGuardIgnoresNonFailurePanics(t *testing.T) {
	logger := zerolog.Nop()

	func() {
		defer func() {
			r := recover()
			if r != "plain panic" {
				t.Fatalf("unexpected recovered value: %#v", r)
			}
		}()
		defer Guard(logger)
		panic("plain panic")
	}()
}
