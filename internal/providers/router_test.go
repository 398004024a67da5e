package providers

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestResolveActionMapping(t *testing.T) {
	h := NewHealthTracker()
	h.Register(Provider{ID: "main", Type: TypeOpenAICompatible, Model: "big"})
	h.Register(Provider{ID: "cheap", Type: TypeOpenAICompatible, Model: "small"})

	r := NewRouter("main", map[Action]string{ActionSummary: "cheap"}, h)

	res, err := r.Resolve(ActionSummary)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider.ID != "cheap" || res.Model != "small" {
		t.Errorf("summary: %s/%s", res.Provider.ID, res.Model)
	}

	res, err = r.Resolve(ActionChat)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider.ID != "main" {
		t.Errorf("chat fell through to %s, want main", res.Provider.ID)
	}
}

func TestResolvePerActionModelOverride(t *testing.T) {
	h := NewHealthTracker()
	h.Register(Provider{
		ID:    "main",
		Type:  TypeOpenAICompatible,
		Model: "big",
		ActionModels: map[Action]string{
			ActionSummary: "small",
		},
	})
	r := NewRouter("main", nil, h)

	res, err := r.Resolve(ActionSummary)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Model != "small" {
		t.Errorf("model: %s, want small", res.Model)
	}
}

func TestResolveCapabilityFallbackToParent(t *testing.T) {
	h := NewHealthTracker()
	h.Register(Provider{ID: "cli", Type: TypeCLISubprocess, Model: "m", Parent: "api"})
	h.Register(Provider{ID: "api", Type: TypeOpenAICompatible, Model: "m"})

	r := NewRouter("cli", nil, h)

	// Subprocess providers cannot serve tool calls; the parent takes them.
	res, err := r.Resolve(ActionTools)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider.ID != "api" {
		t.Errorf("tools resolved to %s, want api", res.Provider.ID)
	}

	// Chat stays on the configured provider.
	res, err = r.Resolve(ActionChat)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Provider.ID != "cli" {
		t.Errorf("chat resolved to %s, want cli", res.Provider.ID)
	}
}

func TestResolveNoHealthyProvider(t *testing.T) {
	h := NewHealthTracker()
	h.Register(Provider{ID: "only", Type: TypeOpenAICompatible, Model: "m"})
	for i := 0; i < 10; i++ {
		h.RecordRequest("only", 10, true)
	}

	r := NewRouter("only", nil, h)
	if _, err := r.Resolve(ActionChat); err != ErrNoHealthyProvider {
		t.Errorf("err = %v, want ErrNoHealthyProvider", err)
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	r := NewRouter("ghost", nil, NewHealthTracker())
	_, err := r.Resolve(ActionChat)
	if _, ok := err.(*ErrUnknownProvider); !ok {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestRankOrdering(t *testing.T) {
	cands := []Candidate{
		{ID: "disc", Group: "discovered"},
		{ID: "conf-cooling", Group: "configured", CoolingDown: true},
		{ID: "local-b", Group: "local", Failures: 2},
		{ID: "conf-b", Group: "configured", Failures: 1},
		{ID: "conf-a", Group: "configured", Failures: 1},
		{ID: "local-a", Group: "local"},
	}

	want := []string{"conf-a", "conf-b", "conf-cooling", "local-a", "local-b", "disc"}
	if got := Rank(cands); !reflect.DeepEqual(got, want) {
		t.Errorf("Rank = %v, want %v", got, want)
	}
}

func TestRankDeterministicUnderShuffle(t *testing.T) {
	cands := []Candidate{
		{ID: "a", Group: "configured", Failures: 1},
		{ID: "b", Group: "configured", Failures: 1},
		{ID: "c", Group: "local", CoolingDown: true},
		{ID: "d", Group: "discovered"},
		{ID: "e", Group: "local"},
		{ID: "f", Group: "configured"},
	}

	baseline := Rank(cands)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := make([]Candidate, len(cands))
		copy(shuffled, cands)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := Rank(shuffled); !reflect.DeepEqual(got, baseline) {
			t.Fatalf("iteration %d: Rank = %v, want %v", i, got, baseline)
		}
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	cands := []Candidate{
		{ID: "z", Group: "discovered"},
		{ID: "a", Group: "configured"},
	}
	Rank(cands)
	if cands[0].ID != "z" {
		t.Error("Rank mutated its input")
	}
}
