package history

import "github.com/root-talis/lineage/migration"

// ElemKind distinguishes plain chain migrations from history-redirecting
// fixups in a resolved path.
type ElemKind int

const (
	Normal ElemKind = iota
	Fixup
)

// PathElem is one step of a resolved migration path.
type PathElem struct {
	Kind ElemKind
	File *migration.File
}

// ConsistencyError reports that path backtracking could not reconstruct a
// path whose existence BFS has already proven. It indicates a defect in
// graph construction, not a user error.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "internal error: " + e.Msg + " (please report this as a bug)"
}

// FindPath returns the shortest sequence of migrations bringing a database
// at dbRevision to targetRevision, or nil when the two revisions are not
// connected in the graph. Callers must use Graph.Knows to distinguish an
// unknown dbRevision from one that is known but unreachable.
func FindPath(g *Graph, dbRevision, targetRevision string) ([]PathElem, error) {
	// BFS backward from the target; first visit wins, so each recorded
	// distance is minimal.
	markup := map[string]int{targetRevision: 0}
	queue := []string{targetRevision}
	found := false

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == dbRevision {
			found = true
			break
		}
		for _, parent := range g.byTarget[cur] {
			if _, seen := markup[parent]; !seen {
				markup[parent] = markup[cur] + 1
				queue = append(queue, parent)
			}
		}
	}
	if !found {
		return nil, nil
	}

	// Walk forward from dbRevision, at each step taking a continuation
	// whose distance decreases by exactly one. Normal continuations are
	// checked before fixups, so at equal distance a plain chain migration
	// wins.
	num := markup[dbRevision]
	path := make([]PathElem, 0, num)
	cur := dbRevision

	for idx := num - 1; idx >= 0; idx-- {
		next, ok := continueFrom(g, markup, cur, idx)
		if !ok {
			return nil, &ConsistencyError{
				Msg: "migration path backtracking got stuck at " + cur,
			}
		}
		path = append(path, next)
		if next.Kind == Fixup {
			cur = next.File.FixupTarget
		} else {
			cur = next.File.ID
		}
	}

	return path, nil
}

func continueFrom(g *Graph, markup map[string]int, cur string, idx int) (PathElem, bool) {
	for _, f := range g.bySource[cur] {
		if f.IsFixup() {
			continue
		}
		if d, ok := markup[f.ID]; ok && d == idx {
			return PathElem{Kind: Normal, File: f}, true
		}
	}
	for _, f := range g.bySource[cur] {
		if !f.IsFixup() {
			continue
		}
		if d, ok := markup[f.FixupTarget]; ok && d == idx {
			return PathElem{Kind: Fixup, File: f}, true
		}
		if d, ok := markup[f.ID]; ok && d == idx {
			return PathElem{Kind: Fixup, File: f}, true
		}
	}
	return PathElem{}, false
}
