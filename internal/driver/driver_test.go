package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type nopDriver struct{}

func (nopDriver) Release(context.Context) error           { return nil }
func (nopDriver) Balance(context.Context) (float64, error) { return 0, nil }
func (nopDriver) Signup(context.Context, string, string) (Confirmation, error) {
	return Confirmation{}, nil
}
func (nopDriver) Credit(context.Context, string, float64) (Confirmation, error) {
	return Confirmation{}, nil
}
func (nopDriver) Debit(context.Context, string, float64) (Confirmation, error) {
	return Confirmation{}, nil
}

func nopCtor(context.Context) (Driver, error) { return nopDriver{}, nil }

func TestRegistryRegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("Panda-Main", nopCtor); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Lookup is case-insensitive.
	if !r.Known("panda-main") || !r.Known("  PANDA-MAIN ") {
		t.Fatalf("registered target not known under normalized names")
	}
	if _, err := r.Create(context.Background(), "PANDA-MAIN"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Register("panda-main", nopCtor); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
	if err := r.Register("", nopCtor); err == nil {
		t.Fatalf("empty target type accepted")
	}
	if err := r.Register("other", nil); err == nil {
		t.Fatalf("nil constructor accepted")
	}
}

func TestRegistryCreateUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("got %v, want ErrUnknownTarget", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed transient", Transientf("panel slow"), Transient},
		{"typed fatal", Fatalf("bad credentials"), Fatal},
		{"wrapped transient", fmt.Errorf("op: %w", Transientf("blip")), Transient},
		{"deadline", context.DeadlineExceeded, Transient},
		{"wrapped deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), Transient},
		{"untyped", errors.New("something odd"), Fatal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: KindOf = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatalf("nil error reported transient")
	}
	if !IsTransient(Transientf("x")) {
		t.Fatalf("transient error not recognised")
	}
	if IsTransient(Fatalf("x")) {
		t.Fatalf("fatal error reported transient")
	}
}

func TestScreenshotOf(t *testing.T) {
	e := &Error{Kind: Fatal, Message: "boom", Screenshot: "/tmp/shot.png"}
	if got := ScreenshotOf(fmt.Errorf("op: %w", e)); got != "/tmp/shot.png" {
		t.Fatalf("ScreenshotOf = %q", got)
	}
	if got := ScreenshotOf(errors.New("plain")); got != "" {
		t.Fatalf("ScreenshotOf(plain) = %q, want empty", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("net down")
	err := Wrap(Transient, cause, "fetch balance")
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped cause lost")
	}
	if KindOf(err) != Transient {
		t.Fatalf("wrapped error lost its kind")
	}
}
