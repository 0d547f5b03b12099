package lineage

import (
	"github.com/root-talis/lineage/history"
	"github.com/root-talis/lineage/migration"
)

// OpKind distinguishes the apply engine's units of work.
type OpKind int

const (
	// OpApply sends one migration's text as a single statement.
	OpApply OpKind = iota
	// OpRewrite replaces the recorded history with a contiguous chain
	// slice inside a nested migration rewrite.
	OpRewrite
)

// Operation is one unit of work of the apply engine.
type Operation struct {
	Kind OpKind
	// File is the migration applied by an OpApply.
	File *migration.File
	// Slice is the chain slice redeclared by an OpRewrite, from the start
	// of the chain through the preceding fixup's target, inclusive.
	Slice []*migration.File
}

// lowerSlice turns a plain chain slice into apply operations.
func lowerSlice(files []*migration.File) []Operation {
	ops := make([]Operation, 0, len(files))
	for _, f := range files {
		ops = append(ops, Operation{Kind: OpApply, File: f})
	}
	return ops
}

// lowerPath turns a resolved path into operations. A fixup element becomes
// the fixup application followed by a history rewrite redeclaring the chain
// through the fixup's target: the database's migration catalog otherwise
// expects every historical id to have been applied individually.
func lowerPath(path []history.PathElem, chain *migration.Set) ([]Operation, error) {
	ops := make([]Operation, 0, len(path))
	for _, elem := range path {
		ops = append(ops, Operation{Kind: OpApply, File: elem.File})

		if elem.Kind == history.Fixup {
			slice, err := chain.Through(elem.File.FixupTarget)
			if err != nil {
				return nil, &history.ConsistencyError{
					Msg: "fixup target " + elem.File.FixupTarget +
						" is not part of the canonical chain",
				}
			}
			ops = append(ops, Operation{Kind: OpRewrite, Slice: slice})
		}
	}
	return ops, nil
}
