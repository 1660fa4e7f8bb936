// Package crawler explores JavaScript-heavy sites with a real browser and
// reports every request the pages issue. Exploration is bounded by a
// per-page state fingerprint: pages that look alike are visited once, and
// actions that cluster together are executed once per state. That bound is
// what keeps single-page applications from exploding the walk.
package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// PageState captures the identity of one rendered page. Two pages with
// equal fingerprints are the same state no matter how they were reached.
type PageState struct {
	// NormalizedURL is the page URL after normalize.URL.
	NormalizedURL string

	// DOMShape counts structural elements in a fixed bucket order; it is
	// the cheap stand-in for "does this page look different".
	DOMShape ShapeVector

	// CookiesHash digests the cookie jar, StorageHash the local and
	// session storage. Either changing means the app state moved.
	CookiesHash string
	StorageHash string

	// Actions are the interactable elements found on the page, in
	// document order.
	Actions []Action

	// executed tracks the action clusters already fired from this state.
	executed map[string]bool
}

// ShapeVector is the structural census of a page: forms, buttons, links,
// inputs, then the total element count.
type ShapeVector struct {
	Forms    int
	Buttons  int
	Links    int
	Inputs   int
	Elements int
}

func (v ShapeVector) String() string {
	return fmt.Sprintf("f%d.b%d.l%d.i%d.e%d", v.Forms, v.Buttons, v.Links, v.Inputs, v.Elements)
}

// Action is one interactable element on a page.
type Action struct {
	// Class is the semantic class: link, button, submit, toggle.
	Class string

	// Tag is the lowercase element tag.
	Tag string

	// Text is the visible text of the element.
	Text string

	// Selector locates the element for execution.
	Selector string

	// Href is set for link actions.
	Href string
}

// ClusterKey groups near-identical actions: semantic class, tag, and the
// first three alphanumeric words of the visible text. "Delete row 17" and
// "Delete row 94" land in one cluster and fire once per state.
func (a Action) ClusterKey() string {
	return a.Class + "|" + a.Tag + "|" + firstAlnumWords(a.Text, 3)
}

// firstAlnumWords lowercases the text, keeps alphanumeric runs as words,
// and joins the first n of them.
func firstAlnumWords(text string, n int) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// actionSetKey digests the sorted cluster keys of all actions, so the set
// of things one can do on the page is part of its identity.
func (s *PageState) actionSetKey() string {
	keys := make([]string, 0, len(s.Actions))
	for _, a := range s.Actions {
		keys = append(keys, a.ClusterKey())
	}
	sort.Strings(keys)
	return digest(strings.Join(keys, "\n"))
}

// Fingerprint is the full identity tuple: URL, DOM shape, cookies,
// storage, and the action set.
func (s *PageState) Fingerprint() string {
	return digest(strings.Join([]string{
		s.NormalizedURL,
		s.DOMShape.String(),
		s.CookiesHash,
		s.StorageHash,
		s.actionSetKey(),
	}, "|"))
}

// SemanticKey is the coarse identity: URL plus form, button and link
// counts. It catches pages that differ only in content the full
// fingerprint would keep separate, such as timestamps rotating the
// storage hash.
func (s *PageState) SemanticKey() string {
	return fmt.Sprintf("%s|f%d.b%d.l%d",
		s.NormalizedURL, s.DOMShape.Forms, s.DOMShape.Buttons, s.DOMShape.Links)
}

// MarkExecuted records that an action's cluster fired from this state.
func (s *PageState) MarkExecuted(a Action) {
	if s.executed == nil {
		s.executed = make(map[string]bool)
	}
	s.executed[a.ClusterKey()] = true
}

// Executed reports whether an action's cluster already fired from this
// state.
func (s *PageState) Executed(a Action) bool {
	return s.executed[a.ClusterKey()]
}

// visitedSets is the trio of dedup sets that bound the exploration.
// All three must agree a state is new before it is explored.
type visitedSets struct {
	fingerprints map[string]bool
	semantic     map[string]bool
	sequences    map[string]bool
}

func newVisitedSets() *visitedSets {
	return &visitedSets{
		fingerprints: make(map[string]bool),
		semantic:     make(map[string]bool),
		sequences:    make(map[string]bool),
	}
}

// SeenState reports whether the state was already visited by full
// fingerprint or by semantic key, and records both. The two sets are
// checked together: the fingerprint catches exact revisits, the semantic
// key catches revisits that only differ in volatile page content.
func (v *visitedSets) SeenState(s *PageState) bool {
	fp := s.Fingerprint()
	sem := s.SemanticKey()
	seen := v.fingerprints[fp] || v.semantic[sem]
	v.fingerprints[fp] = true
	v.semantic[sem] = true
	return seen
}

// SeenSequence reports whether the action path was already walked, and
// records it. The path is the ordered cluster keys from the root state to
// here; revisiting it would redo the exact same interactions.
func (v *visitedSets) SeenSequence(path []string) bool {
	key := digest(strings.Join(path, ">"))
	if v.sequences[key] {
		return true
	}
	v.sequences[key] = true
	return false
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
