package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "t"})
	if b.tripAfter != 5 || b.cooldown != 30*time.Second || b.probes != 3 {
		t.Errorf("defaults = %d/%v/%d", b.tripAfter, b.cooldown, b.probes)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "t", TripAfter: 3, Cooldown: time.Hour})
	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn ran while open")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "t", TripAfter: 2})
	b.Do(func() error { return errBoom })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBoom })
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "t", TripAfter: 1, Cooldown: 5 * time.Millisecond, Probes: 2})
	b.Do(func() error { return errBoom })
	if b.State() != Open {
		t.Fatal("not open after trip")
	}

	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after probes", b.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "t", TripAfter: 1, Cooldown: 5 * time.Millisecond, Probes: 2})
	b.Do(func() error { return errBoom })
	time.Sleep(10 * time.Millisecond)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v", err)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen right after failed probe", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{Name: "t", TripAfter: 1, Cooldown: time.Hour})
	b.Do(func() error { return errBoom })
	b.Reset()
	if b.State() != Closed {
		t.Errorf("state = %v, want closed after Reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}
