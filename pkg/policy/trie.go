package policy

import "github.com/wardendns/wardendns/pkg/domain"

// Verdict is the outcome a terminal NameTrie node carries.
type Verdict int

const (
	// VerdictNone means no terminal was reached.
	VerdictNone Verdict = iota
	VerdictAllow
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictBlock:
		return "block"
	default:
		return "none"
	}
}

// priority orders verdicts so that an existing terminal is only replaced or
// subsumed in favor of an equal-or-higher priority verdict. Allow and block
// are treated as equal priority: whichever was inserted first at an
// ancestor wins over anything more specific, per the subsumption rule in
// trie.rs.
func (v Verdict) priority() int {
	switch v {
	case VerdictAllow, VerdictBlock:
		return 1
	default:
		return 0
	}
}

// trieNode is one label-keyed node of the NameTrie.
type trieNode struct {
	children map[string]*trieNode
	terminal bool
	verdict  Verdict
	reason   string
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// NameTrie is the reverse-label domain trie described in spec section 4.3:
// insertion under an existing terminal ancestor is a no-op (subsumed), and
// insertion over an existing terminal clears its children since they
// become redundant. Grounded on original_source/pi_server/src/blocker/trie.rs,
// generalized from a boolean "contains" marker to an allow/block verdict.
type NameTrie struct {
	root *trieNode
	size int
}

// NewNameTrie returns an empty trie.
func NewNameTrie() *NameTrie {
	return &NameTrie{root: newTrieNode()}
}

// Insert adds name with the given verdict and human-readable reason
// (typically the rule group name, e.g. "Domain Match" or "BlockList Match").
func (t *NameTrie) Insert(name domain.Name, v Verdict, reason string) {
	labels := name.Labels()
	if len(labels) == 0 {
		return
	}
	node := t.root
	for i, label := range labels {
		if node.terminal && node.verdict.priority() >= v.priority() {
			// An ancestor already decides; this insertion is subsumed.
			return
		}
		child, ok := node.children[label]
		if !ok {
			child = newTrieNode()
			node.children[label] = child
		}
		node = child
		if i == len(labels)-1 {
			node.terminal = true
			node.verdict = v
			node.reason = reason
			if len(node.children) > 0 {
				node.children = make(map[string]*trieNode)
			}
			t.size++
		}
	}
}

// Lookup walks reversed labels, remembering the deepest terminal reached,
// and returns it as soon as a label has no matching child (or the walk is
// exhausted).
func (t *NameTrie) Lookup(name domain.Name) (Verdict, string, bool) {
	node := t.root
	var (
		deepest    *trieNode
		deepestSet bool
	)
	for _, label := range name.Labels() {
		if node.terminal {
			deepest = node
			deepestSet = true
		}
		child, ok := node.children[label]
		if !ok {
			break
		}
		node = child
	}
	if node.terminal {
		deepest = node
		deepestSet = true
	}
	if !deepestSet {
		return VerdictNone, "", false
	}
	return deepest.verdict, deepest.reason, true
}

// Len reports the number of terminal nodes actually inserted (after
// subsumption). Subsumed insertions do not increment this count.
func (t *NameTrie) Len() int { return t.size }
