package env

import (
	"testing"
	"time"
)

func TestDefaultsWhenUnset(t *testing.T) {
	if got := String("ATELIER_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String default: got %q", got)
	}
	if got, err := Int("ATELIER_TEST_UNSET", 7); err != nil || got != 7 {
		t.Fatalf("Int default: got %d, %v", got, err)
	}
	if got, err := Duration("ATELIER_TEST_UNSET", time.Minute); err != nil || got != time.Minute {
		t.Fatalf("Duration default: got %v, %v", got, err)
	}
}

func TestParseErrors(t *testing.T) {
	t.Setenv("ATELIER_TEST_INT", "not-a-number")
	if _, err := Int("ATELIER_TEST_INT", 0); err == nil {
		t.Fatalf("expected parse error")
	}
	t.Setenv("ATELIER_TEST_DUR", "soon")
	if _, err := Duration("ATELIER_TEST_DUR", 0); err == nil {
		t.Fatalf("expected parse error")
	}
	t.Setenv("ATELIER_TEST_BOOL", "maybe")
	if _, err := Bool("ATELIER_TEST_BOOL", false); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRequired(t *testing.T) {
	if _, err := Required("ATELIER_TEST_REQUIRED"); err == nil {
		t.Fatalf("expected error for unset key")
	}
	t.Setenv("ATELIER_TEST_REQUIRED", "value")
	v, err := Required("ATELIER_TEST_REQUIRED")
	if err != nil || v != "value" {
		t.Fatalf("got %q, %v", v, err)
	}
}
