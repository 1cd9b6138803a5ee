package repo

import (
	"fmt"
	"sort"
	"strings"

	"ccsync/internal/cloudsync"
)

// graph is an immutable snapshot of the commit metadata, with the derived
// indexes the queries need. Both store implementations build one of these and
// answer reads through it.
type graph struct {
	commits  map[cloudsync.CommitID]*Commit
	children map[cloudsync.CommitID][]cloudsync.CommitID
	// obsolete is the set of commits recorded as a predecessor by at least
	// one marker.
	obsolete map[cloudsync.CommitID]bool
}

func newGraph(commits map[cloudsync.CommitID]*Commit, markers []cloudsync.ObsMarker) *graph {
	g := &graph{
		commits:  commits,
		children: make(map[cloudsync.CommitID][]cloudsync.CommitID),
		obsolete: make(map[cloudsync.CommitID]bool),
	}
	for id, c := range commits {
		for _, p := range c.Parents {
			g.children[p] = append(g.children[p], id)
		}
	}
	for _, m := range markers {
		g.obsolete[m.Predecessor] = true
	}
	return g
}

// heads returns the heads of mutable, non-obsolete, visible history: drafts
// with no visible non-obsolete draft descendant, sorted for determinism.
func (g *graph) heads() []cloudsync.CommitID {
	candidate := func(id cloudsync.CommitID) bool {
		c := g.commits[id]
		return c != nil && c.Phase == PhaseDraft && !c.Hidden && !g.obsolete[id]
	}
	var heads []cloudsync.CommitID
	for id := range g.commits {
		if !candidate(id) {
			continue
		}
		if !g.hasDescendant(id, candidate) {
			heads = append(heads, id)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return heads
}

// hasDescendant reports whether any strict descendant of id satisfies pred.
func (g *graph) hasDescendant(id cloudsync.CommitID, pred func(cloudsync.CommitID) bool) bool {
	seen := map[cloudsync.CommitID]bool{id: true}
	queue := append([]cloudsync.CommitID(nil), g.children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		if pred(next) {
			return true
		}
		queue = append(queue, g.children[next]...)
	}
	return false
}

// draftAncestors returns the draft commits reachable from the given heads,
// including the heads themselves. Absent heads are skipped; traversal stops
// at public commits.
func (g *graph) draftAncestors(heads []cloudsync.CommitID) []cloudsync.CommitID {
	seen := make(map[cloudsync.CommitID]bool)
	var out []cloudsync.CommitID
	var queue []cloudsync.CommitID
	for _, h := range heads {
		queue = append(queue, h)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		c := g.commits[id]
		if c == nil || c.Phase != PhaseDraft {
			continue
		}
		out = append(out, id)
		queue = append(queue, c.Parents...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// availableHeads returns the heads of the commits reachable from the pushed
// heads plus the non-obsolete commits reachable from the synced heads.
func (g *graph) availableHeads(pushed, synced []cloudsync.CommitID) []cloudsync.CommitID {
	available := make(map[cloudsync.CommitID]bool)
	for _, id := range g.draftAncestors(pushed) {
		available[id] = true
	}
	for _, id := range g.draftAncestors(synced) {
		if !g.obsolete[id] {
			available[id] = true
		}
	}
	var heads []cloudsync.CommitID
	for id := range available {
		if !g.hasDescendant(id, func(d cloudsync.CommitID) bool { return available[d] }) {
			heads = append(heads, id)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	return heads
}

// hiddenAncestors returns the hidden draft commits reachable from heads.
func (g *graph) hiddenAncestors(heads []cloudsync.CommitID) []cloudsync.CommitID {
	var out []cloudsync.CommitID
	for _, id := range g.draftAncestors(heads) {
		if g.commits[id].Hidden {
			out = append(out, id)
		}
	}
	return out
}

// evaluateRestriction evaluates a commit-selection expression and returns
// the allowed head subset: the visible heads that descend from (or are) a
// commit matched by the expression.
//
// The supported grammar is intersections over '&' of these terms:
//
//	draft()        all mutable commits
//	author(NAME)   commits authored by NAME
//	<commit id>    that single commit
//	( expr )       grouping
func (g *graph) evaluateRestriction(expr string) ([]cloudsync.CommitID, error) {
	matched, err := g.evalExpr(expr)
	if err != nil {
		return nil, err
	}
	var allowed []cloudsync.CommitID
	for _, head := range g.heads() {
		for _, anc := range g.draftAncestors([]cloudsync.CommitID{head}) {
			if matched[anc] {
				allowed = append(allowed, head)
				break
			}
		}
	}
	return allowed, nil
}

func (g *graph) evalExpr(expr string) (map[cloudsync.CommitID]bool, error) {
	var result map[cloudsync.CommitID]bool
	for _, term := range splitTopLevel(expr, '&') {
		set, err := g.evalTerm(strings.TrimSpace(term))
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = set
			continue
		}
		for id := range result {
			if !set[id] {
				delete(result, id)
			}
		}
	}
	if result == nil {
		return nil, fmt.Errorf("empty restriction expression")
	}
	return result, nil
}

func (g *graph) evalTerm(term string) (map[cloudsync.CommitID]bool, error) {
	switch {
	case term == "":
		return nil, fmt.Errorf("empty restriction term")
	case term == "draft()":
		set := make(map[cloudsync.CommitID]bool)
		for id, c := range g.commits {
			if c.Phase == PhaseDraft {
				set[id] = true
			}
		}
		return set, nil
	case strings.HasPrefix(term, "author(") && strings.HasSuffix(term, ")"):
		author := term[len("author(") : len(term)-1]
		set := make(map[cloudsync.CommitID]bool)
		for id, c := range g.commits {
			if c.Phase == PhaseDraft && c.Author == author {
				set[id] = true
			}
		}
		return set, nil
	case strings.HasPrefix(term, "(") && strings.HasSuffix(term, ")"):
		return g.evalExpr(term[1 : len(term)-1])
	default:
		id := cloudsync.CommitID(term)
		set := make(map[cloudsync.CommitID]bool)
		if _, ok := g.commits[id]; ok {
			set[id] = true
		}
		return set, nil
	}
}

// splitTopLevel splits expr on sep, ignoring separators inside parentheses.
func splitTopLevel(expr string, sep byte) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, expr[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, expr[last:])
	return parts
}

// successorsOf returns the distinct successors of the commit across the
// given markers, excluding the commit itself.
func successorsOf(markers []cloudsync.ObsMarker, id cloudsync.CommitID) []cloudsync.CommitID {
	seen := make(map[cloudsync.CommitID]bool)
	var out []cloudsync.CommitID
	for _, m := range markers {
		if m.Predecessor != id {
			continue
		}
		for _, s := range m.Successors {
			if s != "" && s != id && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
