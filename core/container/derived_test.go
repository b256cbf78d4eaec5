package container

import (
	"errors"
	"testing"
)

func TestDerivedSumRecomputesAndNotifiesOnChange(t *testing.T) {
	left := NewBase(1)
	right := NewBase(2)
	sum := NewDerived(func(track *Track) (int, error) {
		a, _ := Read(track, left)
		b, _ := Read(track, right)
		return a + b, nil
	}, WithDerivedName[int]("sum"))

	var notified []int
	remove := sum.Subscribe(func(v int) { notified = append(notified, v) })
	defer remove()

	before := sum.Recomputations()
	left.Set(2) // 4
	left.Set(3) // 5
	left.Set(3) // equality-suppressed at the base, no recompute
	left.Set(4) // 6

	if got := sum.Recomputations() - before; got != 3 {
		t.Fatalf("expected exactly 3 recomputations, got %d", got)
	}
	if len(notified) != 3 {
		t.Fatalf("expected 3 notifications, got %v", notified)
	}
	if value, err := sum.Get(); err != nil || value != 6 {
		t.Fatalf("expected sum 6, got %d (err %v)", value, err)
	}
}

func TestDerivedUnreadProducerDoesNotTriggerRecompute(t *testing.T) {
	flag := NewBase(true)
	used := NewBase("used")
	unused := NewBase("unused")

	derived := NewDerived(func(track *Track) (string, error) {
		on, _ := Read(track, flag)
		if on {
			v, _ := Read(track, used)
			return v, nil
		}
		v, _ := Read(track, unused)
		return v, nil
	})

	remove := derived.Subscribe(func(string) {})
	defer remove()

	runs := derived.Recomputations()
	unused.Set("still unused")
	if derived.Recomputations() != runs {
		t.Fatal("changing an unread container must not trigger recomputation")
	}

	used.Set("changed")
	if derived.Recomputations() != runs+1 {
		t.Fatalf("expected exactly one recomputation, got %d", derived.Recomputations()-runs)
	}
}

func TestDerivedRebuildsDependencySetOnBranchFlip(t *testing.T) {
	flag := NewBase(true)
	a := NewBase("a")
	b := NewBase("b")

	derived := NewDerived(func(track *Track) (string, error) {
		on, _ := Read(track, flag)
		if on {
			return Read(track, a)
		}
		return Read(track, b)
	})

	remove := derived.Subscribe(func(string) {})
	defer remove()

	flag.Set(false)
	if b.ObserverCount() != 1 {
		t.Fatal("expected subscription to the newly read producer")
	}
	if a.ObserverCount() != 0 {
		t.Fatal("expected the no-longer-read producer to be unsubscribed")
	}

	runs := derived.Recomputations()
	a.Set("a2")
	if derived.Recomputations() != runs {
		t.Fatal("stale branch producer must not trigger recomputation")
	}
}

func TestDerivedLockedDependenciesIgnoreNewReads(t *testing.T) {
	flag := NewBase(true)
	a := NewBase("a")
	b := NewBase("b")

	derived := NewDerived(func(track *Track) (string, error) {
		on, _ := Read(track, flag)
		if on {
			return Read(track, a)
		}
		return Read(track, b)
	}, WithLockedDependencies[string]())

	remove := derived.Subscribe(func(string) {})
	defer remove()

	flag.Set(false)
	// The first run read flag and a; b was never part of the locked set.
	if b.ObserverCount() != 0 {
		t.Fatal("locked dependencies must not subscribe to newly read producers")
	}
	if a.ObserverCount() != 1 {
		t.Fatal("locked dependencies must keep the first-run subscription set")
	}
}

func TestDerivedZeroObserversHoldsNoSubscriptions(t *testing.T) {
	src := NewBase(1)
	derived := NewDerived(func(track *Track) (int, error) {
		v, _ := Read(track, src)
		return v * 2, nil
	})

	remove := derived.Subscribe(func(int) {})
	if src.ObserverCount() != 1 {
		t.Fatal("expected one producer subscription while observed")
	}

	remove()
	if src.ObserverCount() != 0 {
		t.Fatal("expected no residual subscriptions after the last observer left")
	}

	// Idle reads recompute fresh without materializing edges.
	if v, err := derived.Get(); err != nil || v != 2 {
		t.Fatalf("expected idle read 2, got %d (err %v)", v, err)
	}
	if src.ObserverCount() != 0 {
		t.Fatal("idle reads must not create subscriptions")
	}
}

func TestDerivedZeroDependenciesNeverRecomputes(t *testing.T) {
	derived := NewDerived(func(*Track) (int, error) {
		return 42, nil
	})

	remove := derived.Subscribe(func(int) {})
	defer remove()

	if v, err := derived.Get(); err != nil || v != 42 {
		t.Fatalf("expected 42, got %d (err %v)", v, err)
	}
	if derived.Recomputations() != 1 {
		t.Fatalf("expected a single run, got %d", derived.Recomputations())
	}
}

func TestDerivedComputationErrorKeepsPreviousValue(t *testing.T) {
	src := NewBase(1)
	boom := errors.New("boom")
	derived := NewDerived(func(track *Track) (int, error) {
		v, _ := Read(track, src)
		if v < 0 {
			return 0, boom
		}
		return v * 10, nil
	})

	notifications := 0
	remove := derived.Subscribe(func(int) { notifications++ })
	defer remove()

	src.Set(-1)
	value, err := derived.Get()
	if !errors.Is(err, boom) {
		t.Fatalf("expected computation error to surface, got %v", err)
	}
	if value != 10 {
		t.Fatalf("expected previous good value 10 to remain, got %d", value)
	}
	if notifications != 0 {
		t.Fatal("failed recomputation must not notify observers")
	}

	src.Set(5)
	value, err = derived.Get()
	if err != nil || value != 50 {
		t.Fatalf("expected recovery to 50, got %d (err %v)", value, err)
	}
	if notifications != 1 {
		t.Fatalf("expected one notification after recovery, got %d", notifications)
	}
}

func TestDerivedOfDerivedPropagates(t *testing.T) {
	base := NewBase(2)
	double := NewDerived(func(track *Track) (int, error) {
		v, _ := Read(track, base)
		return v * 2, nil
	})
	quad := NewDerived(func(track *Track) (int, error) {
		return Read(track, double)
	})

	var last int
	remove := quad.Subscribe(func(v int) { last = v })
	defer remove()

	base.Set(3)
	if last != 6 {
		t.Fatalf("expected downstream value 6, got %d", last)
	}
	if v, err := quad.Get(); err != nil || v != 6 {
		t.Fatalf("expected chained value 6, got %d (err %v)", v, err)
	}
}

func TestDerivedReactivationRebuildsEdges(t *testing.T) {
	src := NewBase(1)
	derived := NewDerived(func(track *Track) (int, error) {
		v, _ := Read(track, src)
		return v + 1, nil
	})

	remove := derived.Subscribe(func(int) {})
	remove()
	src.Set(7)

	remove = derived.Subscribe(func(int) {})
	defer remove()

	if v, err := derived.Get(); err != nil || v != 8 {
		t.Fatalf("expected fresh value 8 after reactivation, got %d (err %v)", v, err)
	}
	if src.ObserverCount() != 1 {
		t.Fatal("expected producer subscription after reactivation")
	}
}
