package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/bridgectl/internal/testutil/testlog"
)

func TestParseSide(t *testing.T) {
	testlog.Start(t)

	cases := map[string]Side{"near": SideNear, " FAR ": SideFar, "none": SideNone, "": SideNone}
	for raw, want := range cases {
		got, err := ParseSide(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSide(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := ParseSide("middle"); err == nil {
		t.Fatalf("expected error for unknown side")
	}
	if SideNear.String() != "near" || SideFar.String() != "far" || Side(9).String() != "none" {
		t.Fatalf("unexpected side strings")
	}
}

func TestJSONMessageHelpers(t *testing.T) {
	testlog.Start(t)

	msg, err := NewJSONMessage(map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]int
	if err := msg.DecodeJSON(&out); err != nil || out["n"] != 1 {
		t.Fatalf("decode: %v %v", out, err)
	}
	if _, err := NewJSONMessage(make(chan int)); err == nil {
		t.Fatalf("expected error for non-serializable value")
	}
}

func TestFutureAwait(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	f := Async(func() (int, error) {
		<-release
		return 7, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	<-f.Done()
	v, err := f.Await(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestFutureIsNeverSynchronous(t *testing.T) {
	testlog.Start(t)

	gate := make(chan struct{})
	started := make(chan struct{})

	f := Async(func() (bool, error) {
		close(started)
		<-gate
		return true, nil
	})
	<-started
	select {
	case <-f.Done():
		t.Fatalf("future resolved before work finished")
	default:
	}
	close(gate)
	if ok, _ := await(t, f); !ok {
		t.Fatalf("expected true")
	}
}
