package learning

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"mel/internal/config"
	"mel/internal/store"
)

func TestMain(m *testing.M) {
	// opencensus (pulled in via the genai client) starts a stats worker
	// at init that never exits.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func testEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mel.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.LearningConfig{
		MatchThreshold: 0.35,
		DecayFactor:    0.9,
		MaxCandidates:  200,
	}
	return NewEngine(s, nil, cfg), s
}

func TestNormalizePattern(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"code context", "if err != nil { return err }", "if err nil return"},
		{"dedupes tokens", "foo foo bar foo", "foo bar"},
		{"lowercases", "Handle HTTP Request", "handle http request"},
		{"empty", "   ", ""},
		{"punctuation only", "{}();,", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePattern(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("NormalizePattern() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet("read file into buffer")
	b := tokenSet("read buffer")
	got := jaccard(a, b)
	// |{read,buffer}| / |{read,file,into,buffer}| = 2/4
	if got != 0.5 {
		t.Errorf("jaccard = %f, want 0.5", got)
	}

	if jaccard(tokenSet(""), a) != 0 {
		t.Error("expected 0 for empty set")
	}
}

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.5, 3.25, 0}
	got := decodeVector(encodeVector(vec))
	if diff := cmp.Diff(vec, got); diff != "" {
		t.Errorf("vector round trip mismatch (-want +got):\n%s", diff)
	}

	if encodeVector(nil) != nil {
		t.Error("expected nil encoding for empty vector")
	}
	if decodeVector([]byte{1, 2}) != nil {
		t.Error("expected nil for truncated blob")
	}
}

func TestRecordInteraction_LearnsPattern(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	err := e.RecordInteraction(ctx, "sess-1", "func readConfig() error {", "wrote config loader")
	if err != nil {
		t.Fatalf("RecordInteraction failed: %v", err)
	}

	// Interaction logged
	interactions, err := s.RecentInteractions(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(interactions) != 1 {
		t.Fatalf("expected 1 interaction, got %d", len(interactions))
	}

	// Pattern learned under the normalized key
	p, err := s.GetPattern(ctx, NormalizePattern("func readConfig() error {"))
	if err != nil {
		t.Fatalf("expected pattern to be learned: %v", err)
	}
	if p.Response != "wrote config loader" {
		t.Errorf("unexpected pattern response: %q", p.Response)
	}
	if p.Confidence != 0.5 {
		t.Errorf("expected new pattern confidence 0.5, got %f", p.Confidence)
	}
}

func TestRecordInteraction_EmptyContext(t *testing.T) {
	e, _ := testEngine(t)
	err := e.RecordInteraction(context.Background(), "sess-1", "   ", "noop")
	if err == nil {
		t.Error("expected error for empty context")
	}
}

func TestRecordFeedback_DoesNotOverwritePattern(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	editorContext := "open database connection with retry"
	for i := 0; i < 3; i++ {
		if err := e.RecordInteraction(ctx, "sess-1", editorContext, "use backoff loop"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := e.GetSuggestion(ctx, editorContext)
	if err != nil {
		t.Fatalf("GetSuggestion failed: %v", err)
	}
	if got.Text != "use backoff loop" {
		t.Fatalf("unexpected suggestion text: %q", got.Text)
	}

	// Accepting reinforces the pattern and logs the verb; the learned
	// response must survive untouched.
	if err := e.Accept(ctx, got.PatternID); err != nil {
		t.Fatal(err)
	}
	if err := e.RecordFeedback(ctx, "sess-1", editorContext, "accepted"); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetPattern(ctx, NormalizePattern(editorContext))
	if err != nil {
		t.Fatal(err)
	}
	if p.Response != "use backoff loop" {
		t.Errorf("feedback overwrote the learned response: %q", p.Response)
	}

	again, err := e.GetSuggestion(ctx, editorContext)
	if err != nil {
		t.Fatalf("GetSuggestion after accept failed: %v", err)
	}
	if again.Text != "use backoff loop" {
		t.Errorf("suggestion after accept = %q, want %q", again.Text, "use backoff loop")
	}
}

func TestRecordFeedback_CreatesNoPattern(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	editorContext := "context that matched nothing"
	if err := e.RecordFeedback(ctx, "sess-1", editorContext, "typed"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetPattern(ctx, NormalizePattern(editorContext)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no pattern from feedback alone, got err=%v", err)
	}

	interactions, err := s.RecentInteractions(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(interactions) != 1 || interactions[0].Action != "typed" {
		t.Errorf("expected one typed interaction, got %+v", interactions)
	}
}

func TestGetSuggestion_MatchesReinforcedPattern(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	// Reinforce a pattern past the candidate floor (0.5 -> 0.6 -> 0.7)
	for i := 0; i < 3; i++ {
		if err := e.RecordInteraction(ctx, "sess-1", "open database connection with retry", "use backoff loop"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := e.GetSuggestion(ctx, "database connection retry logic")
	if err != nil {
		t.Fatalf("GetSuggestion failed: %v", err)
	}
	if got.Text != "use backoff loop" {
		t.Errorf("unexpected suggestion text: %q", got.Text)
	}
	if got.Source != "keyword" {
		t.Errorf("expected keyword source without embedder, got %q", got.Source)
	}
}

func TestGetSuggestion_NoMatch(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.RecordInteraction(ctx, "sess-1", "parse yaml config file", "use yaml.Unmarshal"); err != nil {
			t.Fatal(err)
		}
	}

	_, err := e.GetSuggestion(ctx, "completely unrelated websocket handshake")
	if !errors.Is(err, ErrNoSuggestion) {
		t.Errorf("expected ErrNoSuggestion, got %v", err)
	}
}

func TestGetSuggestion_EmptyContext(t *testing.T) {
	e, _ := testEngine(t)
	_, err := e.GetSuggestion(context.Background(), "{}();")
	if !errors.Is(err, ErrNoSuggestion) {
		t.Errorf("expected ErrNoSuggestion for unlearnable context, got %v", err)
	}
}

func TestGetSuggestion_TouchesWinner(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.RecordInteraction(ctx, "sess-1", "write table driven tests", "use []struct test cases"); err != nil {
			t.Fatal(err)
		}
	}

	key := NormalizePattern("write table driven tests")
	before, err := s.GetPattern(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.GetSuggestion(ctx, "table driven tests"); err != nil {
		t.Fatalf("GetSuggestion failed: %v", err)
	}

	after, err := s.GetPattern(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if after.UsageCount != before.UsageCount+1 {
		t.Errorf("expected winner usage bump, got %d -> %d", before.UsageCount, after.UsageCount)
	}
}

func TestRejectPenalizesPattern(t *testing.T) {
	e, s := testEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.RecordInteraction(ctx, "sess-1", "global mutable state everywhere", "add more globals"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := e.GetSuggestion(ctx, "global mutable state")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Reject(ctx, got.PatternID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	p, err := s.GetPattern(ctx, got.Pattern)
	if err != nil {
		t.Fatal(err)
	}
	if p.Confidence >= got.Confidence {
		t.Errorf("expected confidence to drop after reject: %f -> %f", got.Confidence, p.Confidence)
	}
}

func TestDecay(t *testing.T) {
	e, _ := testEngine(t)
	if err := e.Decay(context.Background()); err != nil {
		t.Fatalf("Decay failed: %v", err)
	}
}
