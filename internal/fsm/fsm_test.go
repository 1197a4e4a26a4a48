package fsm

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		OnFrames:        3,
		OffSeconds:      2.0,
		PostrollSeconds: 3.0,
		MaxEventSeconds: 300.0,
	}
}

func TestFSMStartsEventAfterOnFrames(t *testing.T) {
	f := New()
	cfg := testConfig()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if tr := f.Step(now, true, cfg); tr != NoTransition {
			t.Fatalf("expected no transition before on_frames reached, got %v", tr)
		}
	}
	if tr := f.Step(now, true, cfg); tr != StartedEvent {
		t.Fatalf("expected StartedEvent at on_frames threshold, got %v", tr)
	}
	if f.State() != Active {
		t.Fatalf("expected Active state, got %v", f.State())
	}
}

func TestFSMEntersPostrollAfterQuiet(t *testing.T) {
	f := New()
	cfg := testConfig()
	now := time.Now()

	for i := 0; i < 3; i++ {
		f.Step(now, true, cfg)
	}
	if f.State() != Active {
		t.Fatalf("expected Active, got %v", f.State())
	}

	later := now.Add(3 * time.Second)
	tr := f.Step(later, false, cfg)
	if tr != EnteredPostroll {
		t.Fatalf("expected EnteredPostroll after quiet period, got %v", tr)
	}
	if f.State() != Postroll {
		t.Fatalf("expected Postroll state, got %v", f.State())
	}
}

func TestFSMRetriggersDuringPostroll(t *testing.T) {
	f := New()
	cfg := testConfig()
	now := time.Now()

	for i := 0; i < 3; i++ {
		f.Step(now, true, cfg)
	}
	f.Step(now.Add(3*time.Second), false, cfg) // -> postroll

	// motion returns during postroll
	retrigTime := now.Add(3500 * time.Millisecond)
	var last Transition
	for i := 0; i < 3; i++ {
		if tr := f.Step(retrigTime, true, cfg); tr != NoTransition {
			last = tr
		}
	}
	if last != Retriggered {
		t.Fatalf("expected Retriggered, got %v", last)
	}
	if f.State() != Active {
		t.Fatalf("expected back to Active, got %v", f.State())
	}
}

func TestFSMFinalizesAfterPostrollTimer(t *testing.T) {
	f := New()
	cfg := testConfig()
	now := time.Now()

	for i := 0; i < 3; i++ {
		f.Step(now, true, cfg)
	}
	f.Step(now.Add(3*time.Second), false, cfg) // -> postroll

	afterTimer := now.Add(3*time.Second + 3500*time.Millisecond)
	tr := f.Step(afterTimer, false, cfg)
	if tr != Finalized {
		t.Fatalf("expected Finalized, got %v", tr)
	}
	if f.State() != Idle {
		t.Fatalf("expected Idle after finalize, got %v", f.State())
	}
}

func TestFSMSafetyBoundForcesFinalizeOnLongEvent(t *testing.T) {
	f := New()
	cfg := testConfig()
	cfg.MaxEventSeconds = 5.0
	now := time.Now()

	for i := 0; i < 3; i++ {
		f.Step(now, true, cfg)
	}

	// keep motion going continuously so it would never naturally go quiet
	t2 := now.Add(6 * time.Second)
	tr := f.Step(t2, true, cfg)
	if tr != EnteredPostroll {
		t.Fatalf("expected safety bound to force EnteredPostroll, got %v", tr)
	}
	if tr := f.Step(t2.Add(100*time.Millisecond), true, cfg); tr != Finalized {
		t.Fatalf("expected forced postroll to finalize despite motion, got %v", tr)
	}
}

func TestFSMMotionStreakDecaysWithoutGoingNegative(t *testing.T) {
	f := New()
	cfg := testConfig()
	now := time.Now()

	f.Step(now, false, cfg)
	if f.MotionStreak() != 0 {
		t.Fatalf("expected motion streak to stay at 0, got %d", f.MotionStreak())
	}
}
