package policy

import (
	"testing"

	"github.com/wardendns/wardendns/pkg/domain"
)

func TestArtifactAllowOverridesBlock(t *testing.T) {
	rules := []Rule{
		{Expression: "googleads.g.doubleclick.net", IsAllow: false, Enabled: true},
		{Expression: "doubleclick.net", IsAllow: true, Enabled: true},
	}
	a := BuildArtifact(rules, nil)

	d := a.Evaluate(domain.Parse("pagead.g.doubleclick.net"))
	if !d.Allowed || d.Blocked {
		t.Fatalf("expected allow to win, got %+v", d)
	}
}

func TestArtifactBlockExact(t *testing.T) {
	rules := []Rule{{Expression: "ads.example.com", IsAllow: false, Enabled: true}}
	a := BuildArtifact(rules, nil)

	d := a.Evaluate(domain.Parse("ads.example.com"))
	if !d.Blocked {
		t.Fatalf("expected block, got %+v", d)
	}
}

func TestArtifactDisabledRuleExcluded(t *testing.T) {
	rules := []Rule{{Expression: "ads.example.com", IsAllow: false, Enabled: false}}
	a := BuildArtifact(rules, nil)

	d := a.Evaluate(domain.Parse("ads.example.com"))
	if d.Blocked || d.Allowed {
		t.Fatalf("disabled rule must not be compiled, got %+v", d)
	}
}

func TestArtifactBlocklistChannel(t *testing.T) {
	ch := make(chan string, 2)
	ch <- "malware.example"
	ch <- "tracker.example"
	close(ch)

	a := BuildArtifact(nil, ch)
	if a.BlocklistCount != 2 {
		t.Fatalf("BlocklistCount = %d, want 2", a.BlocklistCount)
	}
	d := a.Evaluate(domain.Parse("malware.example"))
	if !d.Blocked {
		t.Fatalf("expected blocklist entry to block, got %+v", d)
	}
}

func TestStoreSwapIsAtomic(t *testing.T) {
	s := NewStore()
	before := s.Snapshot()
	s.Swap(BuildArtifact([]Rule{{Expression: "x.test", IsAllow: false, Enabled: true}}, nil))
	after := s.Snapshot()
	if before == after {
		t.Fatalf("expected a new artifact pointer after swap")
	}
}
