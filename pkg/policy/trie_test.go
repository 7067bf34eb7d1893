package policy

import (
	"testing"

	"github.com/wardendns/wardendns/pkg/domain"
)

func TestTrieSubsumption(t *testing.T) {
	trie := NewNameTrie()
	trie.Insert(domain.Parse("amazon.com"), VerdictBlock, "Domain Match: amazon.com")

	if v, _, ok := trie.Lookup(domain.Parse("com")); ok {
		t.Fatalf("com should not match, got verdict %v", v)
	}
	if v, _, ok := trie.Lookup(domain.Parse("amazon.com")); !ok || v != VerdictBlock {
		t.Fatalf("amazon.com should match block, got %v,%v", v, ok)
	}
	if v, _, ok := trie.Lookup(domain.Parse("www5.amazon.com")); !ok || v != VerdictBlock {
		t.Fatalf("www5.amazon.com should match via subsumption, got %v,%v", v, ok)
	}
}

func TestTrieMoreSpecificInsertAfterTerminalIsDropped(t *testing.T) {
	trie := NewNameTrie()
	trie.Insert(domain.Parse("example.com"), VerdictBlock, "r1")
	trie.Insert(domain.Parse("a.b.example.com"), VerdictAllow, "r2")

	v, reason, ok := trie.Lookup(domain.Parse("a.b.example.com"))
	if !ok || v != VerdictBlock || reason != "r1" {
		t.Fatalf("expected ancestor terminal to win, got %v %q %v", v, reason, ok)
	}
}

func TestTrieNoMatch(t *testing.T) {
	trie := NewNameTrie()
	trie.Insert(domain.Parse("star.c10r.facebook.com"), VerdictBlock, "r")
	if _, _, ok := trie.Lookup(domain.Parse("facebook.com")); ok {
		t.Fatalf("facebook.com must not match when only a deeper subdomain was inserted")
	}
	if _, _, ok := trie.Lookup(domain.Parse("star.c10r.facebook.com")); !ok {
		t.Fatalf("exact inserted name must match")
	}
}
