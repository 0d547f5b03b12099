package lineage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/lineage"
	"github.com/root-talis/lineage/driver"
	"github.com/root-talis/lineage/migration"
)

// ---

type sourceMock struct {
	chain  *migration.Set
	fixups migration.FixupList
}

func (m *sourceMock) ReadAll(_ context.Context) (*migration.Set, error) {
	return m.chain, nil
}

func (m *sourceMock) ReadFixups(_ context.Context) (migration.FixupList, error) {
	return m.fixups, nil
}

// connMock records every executed statement and answers catalog queries from
// scripted data.
type connMock struct {
	executed []string
	failOn   map[string]error

	lastMigration  []string
	prefixMatches  map[string][]string
	generatedBy    map[string][]string
	sessionTimeout []string
}

func (m *connMock) Execute(_ context.Context, statement string) error {
	m.executed = append(m.executed, statement)
	if err, ok := m.failOn[statement]; ok {
		return err
	}
	return nil
}

func (m *connMock) QueryStrings(_ context.Context, query string, args ...interface{}) ([]string, error) {
	switch query {
	case driver.QueryLastMigration:
		return m.lastMigration, nil
	case driver.QueryMigrationsByPrefix:
		return m.prefixMatches[args[0].(string)], nil
	case driver.QueryGeneratedBy:
		return m.generatedBy[args[0].(string)], nil
	case driver.QuerySessionTimeout:
		return m.sessionTimeout, nil
	default:
		return nil, fmt.Errorf("unexpected query %q", query)
	}
}

// ---

func applyFile(id, parentID string) *migration.File {
	return &migration.File{
		Migration: migration.Migration{ID: id, ParentID: parentID},
		Path:      id + ".edgeql",
		Text:      fmt.Sprintf("CREATE MIGRATION %s ONTO %s {};", id, parentID),
	}
}

func fixupFile(id, parentID, target string) *migration.File {
	f := applyFile(id, parentID)
	f.Path = fmt.Sprintf("fixups/%s-%s.edgeql", target, id)
	f.FixupTarget = target
	return f
}

func chainOf(t *testing.T, files ...*migration.File) *migration.Set {
	t.Helper()

	set := migration.NewSet()
	for _, f := range files {
		require.NoError(t, set.Add(f))
	}
	return set
}

// ---

func TestMigrate(t *testing.T) {
	t.Parallel()

	/* s0 */
	t.Run("test s0: should do nothing for an empty chain", func(t *testing.T) {
		t.Parallel()
		conn := &connMock{}
		engine := lineage.New(&sourceMock{chain: migration.NewSet()}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.NoError(t, err)
		assert.Equal(t, migration.Initial, result.Revision)
		assert.Empty(t, result.Applied)
		assert.Empty(t, conn.executed)
	})

	/* s1 */
	t.Run("test s1: should apply the whole chain to an empty database", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		second := applyFile("m1b", "m1a")
		conn := &connMock{sessionTimeout: []string{"PT10S"}}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first, second)}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.NoError(t, err)
		assert.Equal(t, []string{"m1a", "m1b"}, result.Applied)
		assert.Equal(t, "m1b", result.Revision)
		assert.Equal(t, 0, result.Rewrites)

		assert.Equal(t, []string{
			driver.InhibitSessionTimeout,
			driver.StartTransaction,
			first.Text,
			second.Text,
			driver.CommitTransaction,
			driver.DisableBareDDL,
			driver.RestoreSessionTimeout("PT10S"),
		}, conn.executed)
	})

	/* s2 */
	t.Run("test s2: should apply only the missing tail", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		second := applyFile("m1b", "m1a")
		conn := &connMock{lastMigration: []string{"m1a"}}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first, second)}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.NoError(t, err)
		assert.Equal(t, []string{"m1b"}, result.Applied)

		// no timeout was set, so nothing is restored; the database was not
		// empty, so bare DDL stays as configured
		assert.Equal(t, []string{
			driver.InhibitSessionTimeout,
			driver.StartTransaction,
			second.Text,
			driver.CommitTransaction,
		}, conn.executed)
	})

	/* s3 */
	t.Run("test s3: should report up to date at the head revision", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		conn := &connMock{lastMigration: []string{"m1a"}}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first)}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.NoError(t, err)
		assert.Equal(t, "m1a", result.Revision)
		assert.Empty(t, result.Applied)
		assert.Empty(t, conn.executed)
	})

	/* s4 */
	t.Run("test s4: should short-circuit when the target is already applied", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		second := applyFile("m1b", "m1a")
		conn := &connMock{
			lastMigration: []string{"m1b"},
			prefixMatches: map[string][]string{"m1a": {"m1a"}},
		}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first, second)}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{
			ToRevision: "m1a",
			Quiet:      true,
		})
		assert.NoError(t, err)
		assert.Equal(t, "m1b", result.Revision)
		assert.Empty(t, conn.executed)
	})

	/* s5 */
	t.Run("test s5: should do nothing when the target is an ancestor", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		second := applyFile("m1b", "m1a")
		conn := &connMock{lastMigration: []string{"m1b"}}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first, second)}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{
			ToRevision: "m1a",
			Quiet:      true,
		})
		assert.NoError(t, err)
		assert.Equal(t, "m1b", result.Revision)
		assert.Empty(t, conn.executed)
	})

	/* s6 */
	t.Run("test s6: should apply a fixup and rewrite the recorded history", func(t *testing.T) {
		t.Parallel()
		squashed := applyFile("m1new", migration.Initial)
		fix := fixupFile("m1f", "m1old", "m1new")
		conn := &connMock{lastMigration: []string{"m1old"}}
		engine := lineage.New(&sourceMock{
			chain:  chainOf(t, squashed),
			fixups: migration.FixupList{fix},
		}, conn)

		result, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.NoError(t, err)
		assert.Equal(t, []string{"m1f"}, result.Applied)
		assert.Equal(t, 1, result.Rewrites)
		assert.Equal(t, "m1new", result.Revision)

		assert.Equal(t, []string{
			driver.InhibitSessionTimeout,
			driver.StartTransaction,
			fix.Text,
			driver.StartMigrationRewrite,
			squashed.Text,
			driver.CommitMigrationRewrite,
			driver.CommitTransaction,
		}, conn.executed)
	})

	/* s7 */
	t.Run("test s7: should clear connection state when allowed", func(t *testing.T) {
		t.Parallel()
		conn := &connMock{}
		engine := lineage.New(&sourceMock{chain: migration.NewSet()}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{
			Quiet:           true,
			AllowErrorState: true,
		})
		assert.NoError(t, err)
		assert.Equal(t, []string{driver.RollbackTransaction}, conn.executed)
	})

	/* s8 */
	t.Run("test s8: should be idempotent across two runs", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		src := &sourceMock{chain: chainOf(t, first)}

		conn := &connMock{}
		_, err := lineage.New(src, conn).Migrate(context.Background(), lineage.Options{Quiet: true})
		require.NoError(t, err)

		// second run against a catalog already at the head
		conn2 := &connMock{lastMigration: []string{"m1a"}}
		result, err := lineage.New(src, conn2).Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.NoError(t, err)
		assert.Empty(t, result.Applied)
		assert.Empty(t, conn2.executed)
	})
}

func TestMigrateTargetResolution(t *testing.T) {
	t.Parallel()

	first := applyFile("m1aa", migration.Initial)
	second := applyFile("m1ab", "m1aa")

	/* e0 */
	t.Run("test e0: should reject a prefix matching two file revisions", func(t *testing.T) {
		t.Parallel()
		conn := &connMock{}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first, second)}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{ToRevision: "m1a", Quiet: true})

		var planErr *lineage.PlanningError
		require.ErrorAs(t, err, &planErr)
		assert.Equal(t, lineage.PlanAmbiguousTarget, planErr.Kind)
		assert.ErrorContains(t, err, `more than one revision matches prefix "m1a"`)
	})

	/* e1 */
	t.Run("test e1: should reject conflicting file and database matches", func(t *testing.T) {
		t.Parallel()
		conn := &connMock{
			prefixMatches: map[string][]string{"m1a": {"m1az"}},
		}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first)}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{ToRevision: "m1a", Quiet: true})

		var planErr *lineage.PlanningError
		require.ErrorAs(t, err, &planErr)
		assert.Equal(t, lineage.PlanAmbiguousTarget, planErr.Kind)
	})

	/* e2 */
	t.Run("test e2: should reject an unknown prefix", func(t *testing.T) {
		t.Parallel()
		conn := &connMock{}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first)}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{ToRevision: "m1zz", Quiet: true})

		var planErr *lineage.PlanningError
		require.ErrorAs(t, err, &planErr)
		assert.Equal(t, lineage.PlanUnknownTarget, planErr.Kind)
		assert.ErrorContains(t, err, `no revision with prefix "m1zz" found`)
		assert.ErrorContains(t, err, "run with no target")
	})
}

func TestMigrateDivergence(t *testing.T) {
	t.Parallel()

	divergenceTestsTable := []struct {
		name         string
		generatedBy  []string
		expectedKind lineage.PlanningKind
		expectedHint string
	}{
		/* s0 */ {
			name:         "test s0: should detect a dev-mode revision",
			generatedBy:  []string{driver.GeneratedByDevMode},
			expectedKind: lineage.PlanDevModeDivergence,
			expectedHint: "create a regular migration",
		},
		/* s1 */ {
			name:         "test s1: should detect a bare DDL revision",
			generatedBy:  []string{driver.GeneratedByDDL},
			expectedKind: lineage.PlanDDLDivergence,
			expectedHint: "bare DDL statements",
		},
		/* s2 */ {
			name:         "test s2: should fall back to an unknown divergence",
			generatedBy:  nil,
			expectedKind: lineage.PlanUnknownDivergence,
			expectedHint: "update the migration sources",
		},
	}

	for _, test := range divergenceTestsTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			first := applyFile("m1a", migration.Initial)
			conn := &connMock{
				lastMigration: []string{"m1dev"},
				generatedBy:   map[string][]string{"m1dev": test.generatedBy},
			}
			engine := lineage.New(&sourceMock{chain: chainOf(t, first)}, conn)

			_, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})

			var planErr *lineage.PlanningError
			require.ErrorAs(t, err, &planErr)
			assert.Equal(t, test.expectedKind, planErr.Kind)
			assert.Equal(t, "m1dev", planErr.Revision)
			assert.ErrorContains(t, err, test.expectedHint)
			assert.Empty(t, conn.executed)
		})
	}

	/* s3 */
	t.Run("test s3: should report a known but unconnected revision", func(t *testing.T) {
		t.Parallel()
		squashed := applyFile("m1new", migration.Initial)
		fix := fixupFile("m1f", "m1old", "m1new")
		conn := &connMock{lastMigration: []string{"m1f"}}
		engine := lineage.New(&sourceMock{
			chain:  chainOf(t, squashed),
			fixups: migration.FixupList{fix},
		}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})

		var planErr *lineage.PlanningError
		require.ErrorAs(t, err, &planErr)
		assert.Equal(t, lineage.PlanNoPath, planErr.Kind)
		assert.ErrorContains(t, err, "no migration path")
		assert.ErrorContains(t, err, "create a fixup file manually")
	})
}

func TestMigrateFailures(t *testing.T) {
	t.Parallel()

	/* e0 */
	t.Run("test e0: should roll back when a migration is rejected", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		second := applyFile("m1b", "m1a")
		conn := &connMock{
			sessionTimeout: []string{"PT10S"},
			failOn: map[string]error{
				second.Text: &driver.ServerError{
					Code:    "query_error",
					Message: "no such type",
					Line:    3,
					Column:  5,
				},
			},
		}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first, second)}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})

		var applyErr *lineage.ApplyMigrationError
		require.ErrorAs(t, err, &applyErr)
		assert.Equal(t, "m1b", applyErr.Revision)
		assert.ErrorContains(t, err, "could not apply migration m1b")
		assert.ErrorContains(t, err, "at 3:5: no such type")

		assert.Equal(t, []string{
			driver.InhibitSessionTimeout,
			driver.StartTransaction,
			first.Text,
			second.Text,
			driver.RollbackTransaction,
			driver.RestoreSessionTimeout("PT10S"),
		}, conn.executed)
	})

	/* e1 */
	t.Run("test e1: should abort the rewrite when a redeclaration fails", func(t *testing.T) {
		t.Parallel()
		squashed := applyFile("m1new", migration.Initial)
		fix := fixupFile("m1f", "m1old", "m1new")
		conn := &connMock{
			lastMigration: []string{"m1old"},
			failOn: map[string]error{
				squashed.Text: &driver.ServerError{Code: "query_error", Message: "boom"},
			},
		}
		engine := lineage.New(&sourceMock{
			chain:  chainOf(t, squashed),
			fixups: migration.FixupList{fix},
		}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})

		var applyErr *lineage.ApplyMigrationError
		require.ErrorAs(t, err, &applyErr)
		assert.Equal(t, "m1new", applyErr.Revision)

		assert.Equal(t, []string{
			driver.InhibitSessionTimeout,
			driver.StartTransaction,
			fix.Text,
			driver.StartMigrationRewrite,
			squashed.Text,
			driver.AbortMigrationRewrite,
			driver.RollbackTransaction,
		}, conn.executed)
	})

	/* e2 */
	t.Run("test e2: should roll back when the commit fails", func(t *testing.T) {
		t.Parallel()
		first := applyFile("m1a", migration.Initial)
		conn := &connMock{
			failOn: map[string]error{
				driver.CommitTransaction: fmt.Errorf("connection reset"),
			},
		}
		engine := lineage.New(&sourceMock{chain: chainOf(t, first)}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.ErrorContains(t, err, "failed to commit migrations")

		assert.Equal(t, []string{
			driver.InhibitSessionTimeout,
			driver.StartTransaction,
			first.Text,
			driver.CommitTransaction,
			driver.RollbackTransaction,
		}, conn.executed)
	})

	/* e3 */
	t.Run("test e3: should reject a branching database catalog", func(t *testing.T) {
		t.Parallel()
		conn := &connMock{lastMigration: []string{"m1x", "m1y"}}
		engine := lineage.New(&sourceMock{chain: migration.NewSet()}, conn)

		_, err := engine.Migrate(context.Background(), lineage.Options{Quiet: true})
		assert.ErrorContains(t, err, "branching histories are not supported")
	})
}
