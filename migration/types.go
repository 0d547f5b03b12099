package migration

// Initial is the sentinel parent id marking the root of a migration chain.
// A database that has no migrations applied reports this as its revision.
const Initial = "initial"

// Migration is the parsed identity of a single migration statement.
// Ids are opaque, content-derived strings; see ComputeID.
type Migration struct {
	ID       string
	ParentID string
	Message  string // empty when the migration sets no message

	// BodyStart and BodyEnd are byte offsets into the file text delimiting
	// the statement block between the outermost braces.
	BodyStart int
	BodyEnd   int
}

// File is a migration together with its on-disk location and full source
// text. FixupTarget is set only for fixup migrations: applying such a file
// to a database at ParentID brings it directly to ID, standing in for the
// squashed history that ended at FixupTarget.
type File struct {
	Migration
	Path        string
	Text        string
	FixupTarget string
}

// IsFixup reports whether the file redirects history instead of extending it.
func (f *File) IsFixup() bool {
	return f.FixupTarget != ""
}

// Body returns the statement block of the migration.
func (f *File) Body() string {
	return f.Text[f.BodyStart:f.BodyEnd]
}

// FixupList holds fixup migrations in no particular order. Their targets may
// reference revisions that no longer exist in the canonical chain.
type FixupList []*File
