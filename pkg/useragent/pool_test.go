package useragent

import "testing"

func TestNextRoundRobin(t *testing.T) {
	agents := []string{"ua-a", "ua-b", "ua-c"}
	p := NewPool(agents)

	for i := 0; i < 6; i++ {
		want := agents[i%3]
		if got := p.Next(); got != want {
			t.Fatalf("Next() #%d = %q, want %q", i, got, want)
		}
	}
}

func TestRandomFromSet(t *testing.T) {
	p := NewPool([]string{"only"})
	for i := 0; i < 3; i++ {
		if got := p.Random(); got != "only" {
			t.Fatalf("Random = %q", got)
		}
	}
}

func TestEmptyFallsBackToDefaults(t *testing.T) {
	p := NewPool(nil)
	if p.Len() != len(DefaultAgents) {
		t.Errorf("len = %d, want %d", p.Len(), len(DefaultAgents))
	}
	if p.Random() == "" {
		t.Error("empty agent from default set")
	}
}
