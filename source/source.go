package source

import (
	"context"
	"errors"

	"github.com/root-talis/lineage/migration"
)

// Source provides the migration history as authored on disk (or wherever
// else migrations are kept): the canonical chain plus the set of fixup
// migrations produced by history squashing.
type Source interface {
	ReadAll(ctx context.Context) (*migration.Set, error)
	ReadFixups(ctx context.Context) (migration.FixupList, error)
}

var (
	ErrNotADirectory = errors.New("migrations path is not a directory")
)
