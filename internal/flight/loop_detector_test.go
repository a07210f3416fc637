package flight

import "testing"

func TestLoopDetectorThreshold(t *testing.T) {
	d := NewLoopDetector(10, 3)

	if hit, _ := d.Check("a1", "edit", "f.go"); hit {
		t.Fatal("fired on first occurrence")
	}
	if hit, _ := d.Check("a1", "edit", "f.go"); hit {
		t.Fatal("fired on second occurrence")
	}
	hit, sig := d.Check("a1", "edit", "f.go")
	if !hit {
		t.Fatal("did not fire on third identical action")
	}
	if sig == "" {
		t.Fatal("empty signature on detection")
	}
}

func TestLoopDetectorFiresOncePerStreak(t *testing.T) {
	d := NewLoopDetector(10, 3)

	for i := 0; i < 3; i++ {
		d.Check("a1", "edit", "f.go")
	}
	for i := 0; i < 5; i++ {
		if hit, _ := d.Check("a1", "edit", "f.go"); hit {
			t.Fatal("re-fired during a continuing streak")
		}
	}

	// Breaking the streak re-arms it.
	d.Check("a1", "edit", "other.go")
	d.Check("a1", "edit", "f.go")
	d.Check("a1", "edit", "f.go")
	if hit, _ := d.Check("a1", "edit", "f.go"); !hit {
		t.Fatal("did not fire on a fresh streak after a break")
	}
}

func TestLoopDetectorDistinguishesFields(t *testing.T) {
	d := NewLoopDetector(10, 3)

	// Same action and target from different agents is not a loop.
	d.Check("a1", "edit", "f.go")
	d.Check("a2", "edit", "f.go")
	if hit, _ := d.Check("a3", "edit", "f.go"); hit {
		t.Fatal("fired across distinct agents")
	}
}

func TestLoopDetectorWindowEviction(t *testing.T) {
	// Window equals threshold: any interleaved action breaks the tail.
	d := NewLoopDetector(3, 3)

	d.Check("a1", "edit", "f.go")
	d.Check("a1", "edit", "f.go")
	d.Check("a1", "read", "f.go")
	if hit, _ := d.Check("a1", "edit", "f.go"); hit {
		t.Fatal("fired with an interleaved distinct action in the tail")
	}
}

func TestLoopDetectorReset(t *testing.T) {
	d := NewLoopDetector(10, 2)

	d.Check("a1", "retry", "x")
	if hit, _ := d.Check("a1", "retry", "x"); !hit {
		t.Fatal("expected detection")
	}
	d.Reset()
	if hit, _ := d.Check("a1", "retry", "x"); hit {
		t.Fatal("fired immediately after reset")
	}
	if hit, _ := d.Check("a1", "retry", "x"); !hit {
		t.Fatal("detector dead after reset")
	}
}
