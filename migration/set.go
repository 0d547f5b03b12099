package migration

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Set is the canonical migration chain: an insertion-ordered mapping from
// revision id to file. Files added through Add must keep the chain linear,
// i.e. each file's parent is the previously added file's id (or Initial for
// the first one).
type Set struct {
	order []string
	files map[string]*File
}

func NewSet() *Set {
	return &Set{files: make(map[string]*File)}
}

// Add appends a file to the end of the chain.
func (s *Set) Add(f *File) error {
	if _, exists := s.files[f.ID]; exists {
		return fmt.Errorf("duplicate revision %q in migration chain", f.ID)
	}

	expectedParent := Initial
	if len(s.order) > 0 {
		expectedParent = s.order[len(s.order)-1]
	}
	if f.ParentID != expectedParent {
		return fmt.Errorf(
			"revision %q has parent %q, expected %q",
			f.ID, f.ParentID, expectedParent,
		)
	}

	s.order = append(s.order, f.ID)
	s.files[f.ID] = f

	return nil
}

func (s *Set) Get(id string) (*File, bool) {
	f, ok := s.files[id]
	return f, ok
}

// Contains reports whether id is a revision of the chain.
func (s *Set) Contains(id string) bool {
	_, ok := s.files[id]
	return ok
}

func (s *Set) Len() int {
	return len(s.order)
}

// IDs returns all revision ids in chain order.
func (s *Set) IDs() []string {
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Files returns all files in chain order.
func (s *Set) Files() []*File {
	files := make([]*File, len(s.order))
	for i, id := range s.order {
		files[i] = s.files[id]
	}
	return files
}

// Last returns the newest revision of the chain, or nil when it is empty.
func (s *Set) Last() *File {
	if len(s.order) == 0 {
		return nil
	}
	return s.files[s.order[len(s.order)-1]]
}

// Index returns the position of id within the chain.
func (s *Set) Index(id string) (int, bool) {
	for i, candidate := range s.order {
		if candidate == id {
			return i, true
		}
	}
	return 0, false
}

// Slice returns the files strictly after afterID through throughID,
// inclusive, in chain order. afterID may be Initial to start from the
// beginning of the chain.
func (s *Set) Slice(afterID, throughID string) ([]*File, error) {
	start := 0
	if afterID != Initial {
		idx, ok := s.Index(afterID)
		if !ok {
			return nil, fmt.Errorf("revision %q is not in the migration chain", afterID)
		}
		start = idx + 1
	}

	end, ok := s.Index(throughID)
	if !ok {
		return nil, fmt.Errorf("revision %q is not in the migration chain", throughID)
	}
	if end < start-1 {
		return nil, fmt.Errorf(
			"revision %q precedes %q in the migration chain",
			throughID, afterID,
		)
	}

	result := make([]*File, 0, end-start+1)
	for _, id := range s.order[start : end+1] {
		result = append(result, s.files[id])
	}
	return result, nil
}

// Through returns the files from the start of the chain through id, inclusive.
func (s *Set) Through(id string) ([]*File, error) {
	return s.Slice(Initial, id)
}

// SortChain arranges parsed migration files, keyed by parent revision, into
// a linear chain. Files must be named NNNNN.edgeql with sequential numbers
// starting at 1; violations produce diagnostics pointing at the first file
// that breaks the sequence.
func SortChain(byParent map[string]*File) (*Set, error) {
	result := NewSet()
	remaining := make(map[string]*File, len(byParent))
	for parent, f := range byParent {
		remaining[parent] = f
	}

	counter := 1
	parentID := Initial
	for len(remaining) > 0 {
		item, ok := remaining[parentID]
		if !ok {
			return nil, describeBrokenChain(remaining, parentID, counter)
		}
		delete(remaining, parentID)

		if num, numOK := fileNum(item.Path); !numOK || num != uint64(counter) {
			return nil, fmt.Errorf(
				"file %q should be named %q",
				item.Path, chainFileName(counter),
			)
		}

		if err := result.Add(item); err != nil {
			return nil, err
		}
		counter++
		parentID = item.ID
	}

	return result, nil
}

func describeBrokenChain(remaining map[string]*File, parentID string, counter int) error {
	next := minByFileName(remaining)

	if num, ok := fileNum(next.Path); ok && num == uint64(counter) {
		return fmt.Errorf(
			"file %q should have %q as the parent migration (`CREATE MIGRATION %s ONTO %s {...`)",
			next.Path, parentID, next.ID, parentID,
		)
	}
	return fmt.Errorf(
		"could not find file %q with parent migration %q (perhaps %s should be fixed?)",
		chainFileName(counter), parentID, next.Path,
	)
}

func minByFileName(remaining map[string]*File) *File {
	var min *File
	for _, f := range remaining {
		if min == nil || lessByFileName(f, min) {
			min = f
		}
	}
	return min
}

// lessByFileName orders numbered files before unnumbered ones, numbered
// files numerically, and the rest lexicographically by stem.
func lessByFileName(a, b *File) bool {
	na, aOK := fileNum(a.Path)
	nb, bOK := fileNum(b.Path)

	switch {
	case aOK && bOK:
		return na < nb
	case aOK != bOK:
		return aOK
	default:
		return fileStem(a.Path) < fileStem(b.Path)
	}
}

func chainFileName(counter int) string {
	return fmt.Sprintf("%05d.edgeql", counter)
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func fileNum(path string) (uint64, bool) {
	n, err := strconv.ParseUint(fileStem(path), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
