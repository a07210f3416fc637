package memory

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"), 30*24*time.Hour, 3, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestAppendAndQuery(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Append(Constraint{
		ID:          "C-1",
		Description: "never use eval on user input",
		Pattern:     "eval(",
		Tier:        TierImmutable,
		Language:    "python",
		Domain:      "security",
		Source:      "policy",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Query("python", "security")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "C-1" {
		t.Fatalf("expected C-1, got %+v", got)
	}
	if !got[0].Active || got[0].Tier != TierImmutable {
		t.Fatalf("constraint mangled: %+v", got[0])
	}

	// Language scoping: a python constraint is not recalled for go.
	got, _ = s.Query("go", "security")
	if len(got) != 0 {
		t.Fatalf("language filter leaked: %+v", got)
	}

	// A general query recalls domain-specific constraints too.
	got, _ = s.Query("python", "general")
	if len(got) != 1 {
		t.Fatalf("general query missed domain constraint: %+v", got)
	}
}

func TestAppendRejectsInvalidTier(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Append(Constraint{ID: "C-x", Pattern: "xxx", Tier: Tier("bogus")})
	if err == nil {
		t.Fatal("invalid tier accepted")
	}
}

func TestBroadPatternStoredInactive(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Append(Constraint{ID: "C-2", Description: "too broad", Pattern: "a", Tier: TierExperimental}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c, err := s.Get("C-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Active {
		t.Fatal("overly broad pattern stored active")
	}
	if c.Warning == "" {
		t.Fatal("no poisoning warning recorded")
	}

	// Inactive constraints never surface in recall.
	got, _ := s.Query("", "")
	if len(got) != 0 {
		t.Fatalf("inactive constraint recalled: %+v", got)
	}
}

func TestExperimentalExpiry(t *testing.T) {
	s, clock := newTestStore(t)

	if err := s.Append(Constraint{ID: "C-3", Description: "trial rule", Pattern: "unwrap()", Tier: TierExperimental}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	c, _ := s.Get("C-3")
	if c.ExpiresAt == nil {
		t.Fatal("experimental constraint got no trial expiry")
	}

	if got, _ := s.Query("", ""); len(got) != 1 {
		t.Fatalf("fresh experimental constraint not recalled: %+v", got)
	}

	clock.Advance(31 * 24 * time.Hour)
	if got, _ := s.Query("", ""); len(got) != 0 {
		t.Fatalf("expired constraint still recalled: %+v", got)
	}
}

func TestImmutableNeverExpires(t *testing.T) {
	s, clock := newTestStore(t)

	if err := s.Append(Constraint{ID: "C-4", Description: "core rule", Pattern: "os.system", Tier: TierImmutable}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	clock.Advance(365 * 24 * time.Hour)
	if got, _ := s.Query("", ""); len(got) != 1 {
		t.Fatalf("immutable constraint expired: %+v", got)
	}
}

func TestDeactivate(t *testing.T) {
	s, _ := newTestStore(t)

	_ = s.Append(Constraint{ID: "C-5", Description: "rule", Pattern: "gets(", Tier: TierValidated})
	if err := s.Deactivate("C-5"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if got, _ := s.Query("", ""); len(got) != 0 {
		t.Fatal("deactivated constraint still recalled")
	}
	// History survives deactivation.
	if _, err := s.Get("C-5"); err != nil {
		t.Fatalf("deactivated constraint lost: %v", err)
	}
	if err := s.Deactivate("C-missing"); err == nil {
		t.Fatal("deactivating a missing constraint succeeded")
	}
}

func TestIncidents(t *testing.T) {
	s, _ := newTestStore(t)

	for i, outcome := range []string{"SUCCESS", "FAILURE", "BLOCKED"} {
		err := s.RecordIncident(Incident{
			RoundID:  "round-" + string(rune('a'+i)),
			Decision: "PASS",
			Outcome:  outcome,
		})
		if err != nil {
			t.Fatalf("RecordIncident: %v", err)
		}
	}

	got, err := s.Incidents(10)
	if err != nil {
		t.Fatalf("Incidents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(got))
	}
	// Newest first.
	if got[0].Outcome != "BLOCKED" || got[2].Outcome != "SUCCESS" {
		t.Fatalf("wrong order: %+v", got)
	}

	limited, _ := s.Incidents(1)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestConstraintMatches(t *testing.T) {
	c := Constraint{Language: "python", Domain: "security"}

	if !c.Matches("python", "security") {
		t.Fatal("exact scope should match")
	}
	if !c.Matches("", "security") {
		t.Fatal("unspecified query language should match")
	}
	if c.Matches("go", "security") {
		t.Fatal("different language should not match")
	}
	if !c.Matches("python", "general") {
		t.Fatal("general query should recall everything")
	}

	general := Constraint{Domain: "general"}
	if !general.Matches("go", "security") {
		t.Fatal("general constraint should be recalled for any domain")
	}
}
