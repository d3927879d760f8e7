package mangle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"kairu-assistant/internal/config"
)

func newJournal(t *testing.T, cfg config.JournalConfig) *Journal {
	t.Helper()
	j, err := NewJournal(cfg, nil)
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	return j
}

func TestJournalDerivesFailures(t *testing.T) {
	j := newJournal(t, config.JournalConfig{Enable: true, FactLimit: 100})
	ctx := context.Background()

	record := func(turn string, idx int, kind, status string) {
		t.Helper()
		if err := j.RecordOutcome(ctx, turn, idx, kind, status); err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}
	record("t1", 0, "click", StatusOK)
	record("t1", 1, "type", StatusFailed)
	record("t1", 2, "scroll", StatusOK)
	record("t2", 0, "navigate", StatusOK)

	failures, err := j.Failures(ctx, "")
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", failures)
	}
	if failures[0] != (Failure{Turn: "t1", Index: 1, Kind: "type"}) {
		t.Errorf("unexpected failure %+v", failures[0])
	}

	degraded, err := j.DegradedTurns(ctx)
	if err != nil {
		t.Fatalf("DegradedTurns failed: %v", err)
	}
	if len(degraded) != 1 || degraded[0] != "t1" {
		t.Errorf("expected only t1 degraded, got %v", degraded)
	}

	onlyT2, err := j.Failures(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyT2) != 0 {
		t.Errorf("t2 should have no failures, got %+v", onlyT2)
	}

	report, err := j.Report(ctx)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if report.Outcomes != 4 || len(report.Failures) != 1 || len(report.DegradedTurns) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestJournalFactLimitTrims(t *testing.T) {
	j := newJournal(t, config.JournalConfig{Enable: true, FactLimit: 2})
	ctx := context.Background()

	_ = j.RecordOutcome(ctx, "old", 0, "click", StatusFailed)
	_ = j.RecordOutcome(ctx, "new", 0, "click", StatusOK)
	_ = j.RecordOutcome(ctx, "new", 1, "click", StatusOK)

	if got := len(j.Facts()); got != 2 {
		t.Fatalf("expected 2 buffered facts, got %d", got)
	}
	degraded, err := j.DegradedTurns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(degraded) != 0 {
		t.Errorf("trimmed failure should be forgotten, got %v", degraded)
	}
}

func TestJournalDisabled(t *testing.T) {
	j := newJournal(t, config.JournalConfig{Enable: false})
	ctx := context.Background()

	if err := j.RecordOutcome(ctx, "t", 0, "click", StatusFailed); err != nil {
		t.Errorf("disabled journal should accept silently: %v", err)
	}
	if _, err := j.Report(ctx); err != ErrDisabled {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
	if j.Enabled() {
		t.Error("journal should report disabled")
	}
}

func TestJournalSchemaExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.mg")
	rule := `
Decl click_failed(Turn).
click_failed(T) :- action_failed(T, _, "click").
`
	if err := os.WriteFile(path, []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}
	j := newJournal(t, config.JournalConfig{Enable: true, SchemaPath: path})
	ctx := context.Background()

	_ = j.RecordOutcome(ctx, "a", 0, "click", StatusFailed)
	_ = j.RecordOutcome(ctx, "b", 0, "type", StatusFailed)

	facts, err := j.Evaluate(ctx, "click_failed")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(facts) != 1 || facts[0].Args[0] != "a" {
		t.Errorf("unexpected click_failed facts %+v", facts)
	}
}

func TestJournalBadSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mg")
	if err := os.WriteFile(path, []byte("broken(X :- ."), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJournal(config.JournalConfig{Enable: true, SchemaPath: path}, nil); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewJournal(config.JournalConfig{Enable: true, SchemaPath: path + ".missing"}, nil); err == nil {
		t.Fatal("expected read error")
	}
}

func TestJournalUnknownPredicate(t *testing.T) {
	j := newJournal(t, config.JournalConfig{Enable: true})
	if _, err := j.Evaluate(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown predicate")
	}
}

func TestJournalCanceledContext(t *testing.T) {
	j := newJournal(t, config.JournalConfig{Enable: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.RecordOutcome(ctx, "t", 0, "click", StatusOK); err == nil {
		t.Fatal("expected context error")
	}
}
