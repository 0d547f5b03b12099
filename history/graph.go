package history

import (
	"fmt"

	"github.com/root-talis/lineage/migration"
)

// Graph is an index over the canonical chain and the fixup set. Edges point
// from a revision id toward the parent it can be reached from:
//
//	byTarget: revision id -> parent ids it is reachable from
//	bySource: parent id   -> files continuing from that parent
//
// A fixup with target T and parent P registers both T and its own id as
// reachable from P, modeling the fixup as a stand-in for the squashed
// history that ended at T. The structure never mutates once built.
type Graph struct {
	byTarget map[string][]string
	bySource map[string][]*migration.File
}

// NewGraph builds the lookup indexes. Fixups that would form a trivial
// cycle (redirecting a revision onto its own parent chain entry) or that
// duplicate another fixup's id are rejected here rather than surfacing
// later as a backtracking failure.
func NewGraph(chain *migration.Set, fixups migration.FixupList) (*Graph, error) {
	g := &Graph{
		byTarget: make(map[string][]string),
		bySource: make(map[string][]*migration.File),
	}

	for _, f := range chain.Files() {
		g.byTarget[f.ID] = append(g.byTarget[f.ID], f.ParentID)
		g.bySource[f.ParentID] = append(g.bySource[f.ParentID], f)
	}

	seen := make(map[string]*migration.File, len(fixups))
	for _, f := range fixups {
		if !f.IsFixup() {
			return nil, fmt.Errorf("migration %q has no fixup target", f.ID)
		}
		if f.FixupTarget == f.ParentID || f.FixupTarget == f.ID {
			return nil, fmt.Errorf(
				"fixup %q redirects %q onto itself", f.ID, f.FixupTarget,
			)
		}
		if prev, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf(
				"files %q and %q declare the same fixup migration %q",
				f.Path, prev.Path, f.ID,
			)
		}
		seen[f.ID] = f

		g.byTarget[f.FixupTarget] = append(g.byTarget[f.FixupTarget], f.ParentID)
		g.byTarget[f.ID] = append(g.byTarget[f.ID], f.ParentID)
		g.bySource[f.ParentID] = append(g.bySource[f.ParentID], f)
	}

	return g, nil
}

// Knows reports whether id appears anywhere in the graph. Callers use it to
// tell "nothing to apply" apart from a genuinely divergent history when
// FindPath returns no path.
func (g *Graph) Knows(id string) bool {
	if id == migration.Initial {
		return true
	}
	if _, ok := g.byTarget[id]; ok {
		return true
	}
	_, ok := g.bySource[id]
	return ok
}
