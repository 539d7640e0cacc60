package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
)

func closeTo(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mel.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mel.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	s1.Close()

	// Re-opening must not fail on existing schema
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	s2.Close()
}

func TestSavePattern_NewAndReinforce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Pattern{Pattern: "error handling wrap", Response: "use fmt.Errorf with %w", Confidence: 0.5}
	if err := s.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}

	got, err := s.GetPattern(ctx, "error handling wrap")
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if got.Confidence != 0.5 {
		t.Errorf("expected initial confidence 0.5, got %f", got.Confidence)
	}
	if got.UsageCount != 1 {
		t.Errorf("expected usage_count 1, got %d", got.UsageCount)
	}

	// Saving the same pattern reinforces it
	if err := s.SavePattern(ctx, p); err != nil {
		t.Fatalf("reinforce SavePattern failed: %v", err)
	}
	got, err = s.GetPattern(ctx, "error handling wrap")
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if !closeTo(got.Confidence, 0.6) {
		t.Errorf("expected reinforced confidence 0.6, got %f", got.Confidence)
	}
	if got.UsageCount != 2 {
		t.Errorf("expected usage_count 2, got %d", got.UsageCount)
	}
}

func TestSavePattern_ConfidenceCappedAtOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Pattern{Pattern: "k", Response: "v", Confidence: 1.0}
	for i := 0; i < 5; i++ {
		if err := s.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	got, err := s.GetPattern(ctx, "k")
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if got.Confidence > 1.0 {
		t.Errorf("confidence exceeded cap: %f", got.Confidence)
	}
}

func TestGetPattern_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetPattern(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMatchCandidates_ExcludesLowConfidence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePattern(ctx, &Pattern{Pattern: "strong", Response: "a", Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePattern(ctx, &Pattern{Pattern: "faded", Response: "b", Confidence: 0.2}); err != nil {
		t.Fatal(err)
	}

	candidates, err := s.MatchCandidates(ctx, 0)
	if err != nil {
		t.Fatalf("MatchCandidates failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate above floor, got %d", len(candidates))
	}
	if candidates[0].Pattern != "strong" {
		t.Errorf("expected strong pattern, got %q", candidates[0].Pattern)
	}
}

func TestTouchPattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePattern(ctx, &Pattern{Pattern: "touch me", Response: "x", Confidence: 0.5}); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetPattern(ctx, "touch me")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.TouchPattern(ctx, p.ID); err != nil {
		t.Fatalf("TouchPattern failed: %v", err)
	}

	got, err := s.GetPattern(ctx, "touch me")
	if err != nil {
		t.Fatal(err)
	}
	if got.UsageCount != p.UsageCount+1 {
		t.Errorf("expected usage_count %d, got %d", p.UsageCount+1, got.UsageCount)
	}
	if !closeTo(got.Confidence, 0.55) {
		t.Errorf("expected confidence 0.55 after touch, got %f", got.Confidence)
	}

	if err := s.TouchPattern(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing id, got %v", err)
	}
}

func TestPenalizePattern_FloorsAtZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePattern(ctx, &Pattern{Pattern: "bad idea", Response: "x", Confidence: 0.3}); err != nil {
		t.Fatal(err)
	}
	p, _ := s.GetPattern(ctx, "bad idea")

	if err := s.PenalizePattern(ctx, p.ID, 0.5); err != nil {
		t.Fatalf("PenalizePattern failed: %v", err)
	}

	got, _ := s.GetPattern(ctx, "bad idea")
	if got.Confidence != 0 {
		t.Errorf("expected confidence floored at 0, got %f", got.Confidence)
	}
}

func TestDeletePattern(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePattern(ctx, &Pattern{Pattern: "gone", Response: "x", Confidence: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePattern(ctx, "gone"); err != nil {
		t.Fatalf("DeletePattern failed: %v", err)
	}
	if _, err := s.GetPattern(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected pattern to be deleted, got %v", err)
	}
	if err := s.DeletePattern(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for second delete, got %v", err)
	}
}

func TestDecayConfidence_PrunesFaded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePattern(ctx, &Pattern{Pattern: "stale", Response: "x", Confidence: 0.11}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePattern(ctx, &Pattern{Pattern: "fresh", Response: "y", Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}

	// Age the stale pattern past the decay window
	if _, err := s.db.Exec(`UPDATE learning_patterns SET last_used = datetime('now', '-30 days') WHERE pattern = 'stale'`); err != nil {
		t.Fatal(err)
	}

	decayed, pruned, err := s.DecayConfidence(ctx, 0.5)
	if err != nil {
		t.Fatalf("DecayConfidence failed: %v", err)
	}
	if decayed != 1 {
		t.Errorf("expected 1 decayed pattern, got %d", decayed)
	}
	// 0.11 * 0.5 = 0.055 < 0.1, so the stale pattern is pruned
	if pruned != 1 {
		t.Errorf("expected 1 pruned pattern, got %d", pruned)
	}

	if _, err := s.GetPattern(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected stale pattern pruned, got %v", err)
	}
	if _, err := s.GetPattern(ctx, "fresh"); err != nil {
		t.Errorf("fresh pattern should survive decay: %v", err)
	}
}

func TestRecordAndRecentInteractions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []Interaction{
		{SessionID: "s1", Context: "func main() {", Action: "typed"},
		{SessionID: "s1", Context: "if err != nil", Action: "accepted"},
		{SessionID: "s2", Context: "type Foo struct", Action: "rejected"},
	}
	for i := range events {
		if err := s.RecordInteraction(ctx, &events[i]); err != nil {
			t.Fatalf("RecordInteraction failed: %v", err)
		}
		if events[i].ID == 0 {
			t.Error("expected interaction ID to be set")
		}
	}

	all, err := s.RecentInteractions(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentInteractions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 interactions, got %d", len(all))
	}
	// Newest first
	if all[0].Action != "rejected" {
		t.Errorf("expected newest interaction first, got %q", all[0].Action)
	}

	s1, err := s.RecentInteractions(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != 2 {
		t.Errorf("expected 2 interactions for session s1, got %d", len(s1))
	}
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SavePattern(ctx, &Pattern{Pattern: "a", Response: "x", Confidence: 0.4}); err != nil {
		t.Fatal(err)
	}
	if err := s.SavePattern(ctx, &Pattern{Pattern: "b", Response: "y", Confidence: 0.8}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordInteraction(ctx, &Interaction{SessionID: "s", Action: "typed"}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.PatternCount != 2 {
		t.Errorf("expected 2 patterns, got %d", stats.PatternCount)
	}
	if stats.InteractionCount != 1 {
		t.Errorf("expected 1 interaction, got %d", stats.InteractionCount)
	}
	if stats.AvgConfidence < 0.59 || stats.AvgConfidence > 0.61 {
		t.Errorf("expected avg confidence ~0.6, got %f", stats.AvgConfidence)
	}
}
