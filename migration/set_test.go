package migration_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/lineage/migration"
)

func chainFile(id, parentID, path string) *migration.File {
	return &migration.File{
		Migration: migration.Migration{ID: id, ParentID: parentID},
		Path:      path,
	}
}

// buildChain assembles a linear chain m1r1 -> m1r2 -> ... -> m1r<n>.
func buildChain(t *testing.T, n int) *migration.Set {
	t.Helper()

	set := migration.NewSet()
	parent := migration.Initial
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("m1r%d", i)
		require.NoError(t, set.Add(chainFile(id, parent, fmt.Sprintf("%05d.edgeql", i))))
		parent = id
	}
	return set
}

func TestSetAdd(t *testing.T) {
	t.Parallel()

	/* s0 */
	t.Run("test s0: should keep chain order", func(t *testing.T) {
		t.Parallel()
		set := buildChain(t, 3)
		assert.Equal(t, []string{"m1r1", "m1r2", "m1r3"}, set.IDs())
		assert.Equal(t, 3, set.Len())
		assert.Equal(t, "m1r3", set.Last().ID)
	})

	/* e0 */
	t.Run("test e0: should reject a duplicate revision", func(t *testing.T) {
		t.Parallel()
		set := buildChain(t, 1)
		err := set.Add(chainFile("m1r1", "m1r1", "00002.edgeql"))
		assert.ErrorContains(t, err, `duplicate revision "m1r1"`)
	})

	/* e1 */
	t.Run("test e1: should reject a wrong parent", func(t *testing.T) {
		t.Parallel()
		set := buildChain(t, 2)
		err := set.Add(chainFile("m1r3", "m1r1", "00003.edgeql"))
		assert.ErrorContains(t, err, `has parent "m1r1", expected "m1r2"`)
	})

	/* e2 */
	t.Run("test e2: should require the first parent to be initial", func(t *testing.T) {
		t.Parallel()
		set := migration.NewSet()
		err := set.Add(chainFile("m1r1", "m1r0", "00001.edgeql"))
		assert.ErrorContains(t, err, `expected "initial"`)
	})
}

func TestSetSlice(t *testing.T) {
	t.Parallel()

	set := buildChain(t, 4)

	sliceIDs := func(files []*migration.File) []string {
		ids := make([]string, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		return ids
	}

	/* s0 */
	t.Run("test s0: should slice strictly after the lower bound", func(t *testing.T) {
		t.Parallel()
		files, err := set.Slice("m1r1", "m1r3")
		assert.NoError(t, err)
		assert.Equal(t, []string{"m1r2", "m1r3"}, sliceIDs(files))
	})

	/* s1 */
	t.Run("test s1: should slice from the beginning for initial", func(t *testing.T) {
		t.Parallel()
		files, err := set.Slice(migration.Initial, "m1r2")
		assert.NoError(t, err)
		assert.Equal(t, []string{"m1r1", "m1r2"}, sliceIDs(files))
	})

	/* s2 */
	t.Run("test s2: through should include the whole prefix", func(t *testing.T) {
		t.Parallel()
		files, err := set.Through("m1r4")
		assert.NoError(t, err)
		assert.Equal(t, []string{"m1r1", "m1r2", "m1r3", "m1r4"}, sliceIDs(files))
	})

	/* s3 */
	t.Run("test s3: should return an empty slice for equal bounds", func(t *testing.T) {
		t.Parallel()
		files, err := set.Slice("m1r2", "m1r2")
		assert.NoError(t, err)
		assert.Empty(t, files)
	})

	/* e0 */
	t.Run("test e0: should reject an unknown lower bound", func(t *testing.T) {
		t.Parallel()
		_, err := set.Slice("m1nope", "m1r3")
		assert.ErrorContains(t, err, `"m1nope" is not in the migration chain`)
	})

	/* e1 */
	t.Run("test e1: should reject an inverted range", func(t *testing.T) {
		t.Parallel()
		_, err := set.Slice("m1r3", "m1r1")
		assert.ErrorContains(t, err, `"m1r1" precedes "m1r3"`)
	})
}

var sortChainTestsTable = []struct { // nolint:gochecknoglobals
	name        string
	files       []*migration.File
	expectedIDs []string
	expectError string
}{
	/* s0 */ {
		name:        "test s0: should sort an empty directory",
		files:       nil,
		expectedIDs: []string{},
	},
	/* s1 */ {
		name: "test s1: should order files by parent links",
		files: []*migration.File{
			chainFile("m1r2", "m1r1", "00002.edgeql"),
			chainFile("m1r1", "initial", "00001.edgeql"),
			chainFile("m1r3", "m1r2", "00003.edgeql"),
		},
		expectedIDs: []string{"m1r1", "m1r2", "m1r3"},
	},
	/* e0 */ {
		name: "test e0: should report a misnamed file",
		files: []*migration.File{
			chainFile("m1r1", "initial", "first.edgeql"),
		},
		expectError: `file "first.edgeql" should be named "00001.edgeql"`,
	},
	/* e1 */ {
		name: "test e1: should report a gap in the numbering",
		files: []*migration.File{
			chainFile("m1r1", "initial", "00001.edgeql"),
			chainFile("m1r3", "m1r2", "00003.edgeql"),
		},
		expectError: `could not find file "00002.edgeql" with parent migration "m1r1" (perhaps 00003.edgeql should be fixed?)`,
	},
	/* e2 */ {
		name: "test e2: should report a wrong parent link",
		files: []*migration.File{
			chainFile("m1r1", "initial", "00001.edgeql"),
			chainFile("m1r2", "m1other", "00002.edgeql"),
		},
		expectError: `file "00002.edgeql" should have "m1r1" as the parent migration` +
			" (`CREATE MIGRATION m1r2 ONTO m1r1 {...`)",
	},
}

func TestSortChain(t *testing.T) {
	t.Parallel()

	for _, test := range sortChainTestsTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			byParent := make(map[string]*migration.File, len(test.files))
			for _, f := range test.files {
				byParent[f.ParentID] = f
			}

			set, err := migration.SortChain(byParent)

			if test.expectError != "" {
				assert.ErrorContains(t, err, test.expectError)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, test.expectedIDs, set.IDs())
		})
	}
}
