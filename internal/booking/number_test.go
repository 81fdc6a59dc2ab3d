package booking

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateShapeAndAlphabet(t *testing.T) {
	g := &Generator{Exists: func(ctx context.Context, n string) (bool, error) { return false, nil }}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		n, err := g.Generate(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(n) != NumberLength {
			t.Fatalf("bad length %d: %s", len(n), n)
		}
		for _, c := range n {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("symbol %q outside alphabet in %s", c, n)
			}
		}
		if seen[n] {
			t.Fatalf("duplicate draw %s within 200 samples", n)
		}
		seen[n] = true
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	calls := 0
	g := &Generator{Exists: func(ctx context.Context, n string) (bool, error) {
		calls++
		return calls < 3, nil // first two draws "taken"
	}}
	if _, err := g.Generate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 existence checks, got %d", calls)
	}
}

func TestGenerateGivesUpAfterCap(t *testing.T) {
	g := &Generator{Exists: func(ctx context.Context, n string) (bool, error) { return true, nil }}
	if _, err := g.Generate(context.Background()); err != ErrNumberSpaceExhausted {
		t.Fatalf("expected ErrNumberSpaceExhausted, got %v", err)
	}
}
