package svcreg

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestCloseRunsInReverseOrder(t *testing.T) {
	reg := New(slog.New(slog.DiscardHandler))
	var order []string
	for _, name := range []string{"db", "redis", "server"} {
		name := name
		reg.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := reg.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := []string{"server", "redis", "db"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("teardown order %v, want %v", order, want)
		}
	}
}

func TestCloseContinuesPastFailures(t *testing.T) {
	reg := New(slog.New(slog.DiscardHandler))
	var dbStopped bool
	reg.Register("db", func(context.Context) error {
		dbStopped = true
		return nil
	})
	reg.Register("queue", func(context.Context) error {
		return errors.New("broken pipe")
	})

	err := reg.Close(context.Background())
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if !dbStopped {
		t.Fatalf("later registrations must still be stopped after a failure")
	}
}

func TestCloseIsIdempotentAndRegisterAfterClosePanics(t *testing.T) {
	reg := New(slog.New(slog.DiscardHandler))
	calls := 0
	reg.Register("once", func(context.Context) error {
		calls++
		return nil
	})
	_ = reg.Close(context.Background())
	_ = reg.Close(context.Background())
	if calls != 1 {
		t.Fatalf("stop called %d times", calls)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on register after close")
		}
	}()
	reg.Register("late", func(context.Context) error { return nil })
}
