package policy

import (
	"strings"

	"github.com/wardendns/wardendns/pkg/domain"
)

// RuleGroup names a rule-evaluation phase, preserving declared order.
type RuleGroup string

const (
	GroupRegexMatch     RuleGroup = "Regex Match"
	GroupDomainMatch    RuleGroup = "Domain Match"
	GroupBlockListMatch RuleGroup = "BlockList Match"
)

// Rule is a single policy rule as persisted by the storage layer.
type Rule struct {
	ID         int64
	Expression string
	IsRegex    bool
	IsAllow    bool
	Enabled    bool
	CreatedAt  int64
}

// DisplayReason returns a human string naming the rule when no explicit
// group label has been attached, following the convenience the original
// Rust filters.rs derives from a rule's expression.
func (r Rule) DisplayReason() string {
	kind := "Domain"
	if r.IsRegex {
		kind = "Regex"
	}
	action := "Block"
	if r.IsAllow {
		action = "Allow"
	}
	return kind + " " + action + ": " + r.Expression
}

// Artifact is the compiled form of the current rule set plus blocklist, as
// spec section 4.3 describes. It is built off the request path and swapped
// into the PolicyStore atomically; once built it is never mutated.
type Artifact struct {
	AllowTrie      *NameTrie
	BlockTrie      *NameTrie
	AllowRegexSet  *RegexSet
	BlockRegexSet  *RegexSet
	Groups         []RuleGroup
	BlocklistCount int
}

// Decision is the outcome of evaluating a query name against an Artifact.
type Decision struct {
	Allowed bool
	Blocked bool
	Reason  string
}

// Evaluate classifies name against the artifact. Allow always overrides
// block: both the allow and block surfaces (regex set then trie) are
// checked, and an allow match wins even when a block match also exists,
// matching scenario S3 (a narrower block rule under a broader allow
// domain is overridden).
func (a *Artifact) Evaluate(name domain.Name) Decision {
	nameStr := name.String()

	if idx := a.AllowRegexSet.Matches(nameStr); len(idx) > 0 {
		return Decision{Allowed: true, Reason: "Regex Match: " + a.AllowRegexSet.Patterns()[idx[0]]}
	}
	if v, reason, ok := a.AllowTrie.Lookup(name); ok && v == VerdictAllow {
		return Decision{Allowed: true, Reason: reason}
	}

	if idx := a.BlockRegexSet.Matches(nameStr); len(idx) > 0 {
		return Decision{Blocked: true, Reason: "Regex Match: " + a.BlockRegexSet.Patterns()[idx[0]]}
	}
	if v, reason, ok := a.BlockTrie.Lookup(name); ok && v == VerdictBlock {
		return Decision{Blocked: true, Reason: reason}
	}

	return Decision{}
}

// BuildArtifact compiles rules and a blocklist domain stream into a fresh
// Artifact. Disabled rules are excluded. The blocklist channel is drained
// fully; names that fail validation are silently skipped since
// BlocklistFetcher is responsible for normalization before emitting them.
func BuildArtifact(rules []Rule, blocklist <-chan string) *Artifact {
	a := &Artifact{
		AllowTrie: NewNameTrie(),
		BlockTrie: NewNameTrie(),
		Groups:    []RuleGroup{GroupRegexMatch, GroupDomainMatch, GroupBlockListMatch},
	}

	var allowRegex, blockRegex []string
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.IsRegex {
			if r.IsAllow {
				allowRegex = append(allowRegex, r.Expression)
			} else {
				blockRegex = append(blockRegex, r.Expression)
			}
			continue
		}
		name := domain.Parse(r.Expression)
		if name.Empty() {
			continue
		}
		reason := string(GroupDomainMatch) + ": " + r.Expression
		if r.IsAllow {
			a.AllowTrie.Insert(name, VerdictAllow, reason)
		} else {
			a.BlockTrie.Insert(name, VerdictBlock, reason)
		}
	}
	a.AllowRegexSet = NewRegexSet(allowRegex)
	a.BlockRegexSet = NewRegexSet(blockRegex)

	if blocklist != nil {
		for d := range blocklist {
			name := domain.Parse(d)
			if name.Empty() {
				continue
			}
			a.BlockTrie.Insert(name, VerdictBlock, string(GroupBlockListMatch)+": "+strings.TrimSpace(d))
			a.BlocklistCount++
		}
	}

	return a
}
