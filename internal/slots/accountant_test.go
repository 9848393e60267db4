package slots

import "testing"

func TestTryAdmitWithinBudget(t *testing.T) {
	a := New(2)
	if !a.TryAdmit(2) {
		t.Fatal("expected admit to succeed at exactly max_slots")
	}
	if a.Busy() != 2 {
		t.Fatalf("expected busy=2, got %d", a.Busy())
	}
}

func TestTryAdmitOverBudgetNeverAdmits(t *testing.T) {
	a := New(1)
	if a.TryAdmit(2) {
		t.Fatal("expected admit with n > max_slots to fail")
	}
	if a.Busy() != 0 {
		t.Fatalf("expected busy unchanged at 0, got %d", a.Busy())
	}
}

func TestReleaseFreesSlots(t *testing.T) {
	a := New(1)
	if !a.TryAdmit(1) {
		t.Fatal("expected admit to succeed")
	}
	if a.TryAdmit(1) {
		t.Fatal("expected second admit to fail while busy")
	}
	a.Release(1)
	if !a.TryAdmit(1) {
		t.Fatal("expected admit to succeed after release")
	}
}

func TestSetMaxGetMaxRoundTrip(t *testing.T) {
	a := New(1)
	a.SetMax(5)
	if a.GetMax() != 5 {
		t.Fatalf("expected max=5, got %d", a.GetMax())
	}
}

func TestSetMaxDoesNotPreemptRunningJobs(t *testing.T) {
	a := New(4)
	if !a.TryAdmit(4) {
		t.Fatal("expected admit to succeed")
	}
	a.SetMax(1) // shrink below what's already busy
	if a.Busy() != 4 {
		t.Fatalf("expected busy to remain at 4 (no preemption), got %d", a.Busy())
	}
	if a.TryAdmit(1) {
		t.Fatal("expected no further admission while busy exceeds max")
	}
}
