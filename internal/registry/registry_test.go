package registry

import (
	"context"
	"errors"
	"testing"

	"marketpulse/internal/collector"
)

func okFactory() (collector.Collector, error) {
	return collector.Func(func(ctx context.Context) (*collector.Result, error) {
		return &collector.Result{Success: true}, nil
	}), nil
}

func TestGetUnknownReturnsTypedError(t *testing.T) {
	t.Parallel()
	r := New()
	_, err := r.Get("unknown")
	if err == nil {
		t.Fatal("expected error for unknown name")
	}
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if r.IsRegistered("unknown") {
		t.Fatal("IsRegistered should be false for unknown name")
	}
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("cot", okFactory)

	if !r.IsRegistered("cot") {
		t.Fatal("expected cot to be registered")
	}
	inst, err := r.Get("cot")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	res, err := inst.Collect(context.Background())
	if err != nil || !res.Success {
		t.Fatalf("Collect = (%+v, %v)", res, err)
	}
}

func TestFactoryErrorIsConstructionError(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("broken", func() (collector.Collector, error) {
		return nil, errors.New("missing credentials")
	})

	_, err := r.Get("broken")
	var ce *ConstructionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstructionError, got %v", err)
	}
	if ce.Name != "broken" {
		t.Fatalf("ConstructionError.Name = %q", ce.Name)
	}
}

func TestFactoryPanicIsCaught(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("panicky", func() (collector.Collector, error) {
		panic("boom")
	})
	r.Register("fine", okFactory)

	_, err := r.Get("panicky")
	var ce *ConstructionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstructionError, got %v", err)
	}
	if ce.Stack == "" {
		t.Fatal("expected panic stack to be captured")
	}

	// The bad entry must not poison the others.
	if _, err := r.Get("fine"); err != nil {
		t.Fatalf("healthy entry failed after panic: %v", err)
	}
}

func TestNilCollectorRejected(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("nil", func() (collector.Collector, error) { return nil, nil })
	if _, err := r.Get("nil"); err == nil {
		t.Fatal("expected error for nil collector")
	}
}

func TestListSorted(t *testing.T) {
	t.Parallel()
	r := New()
	r.Register("wasde", okFactory)
	r.Register("cot", okFactory)
	r.Register("eia_petroleum", okFactory)

	got := r.List()
	want := []string{"cot", "eia_petroleum", "wasde"}
	if len(got) != len(want) {
		t.Fatalf("List returned %d entries, want %d", len(got), len(want))
	}
	for i, d := range got {
		if d.Name != want[i] {
			t.Fatalf("List[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}
