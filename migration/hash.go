package migration

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
)

// idEncoding is unpadded lowercase base32, matching the alphabet used in
// revision ids.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ComputeID derives the content-addressed revision id of a migration from
// its parent id and body text. The "m1" prefix versions the hashing scheme.
func ComputeID(parentID, body string) string {
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return "m1" + idEncoding.EncodeToString(h.Sum(nil))
}

// ValidateID recomputes the file's revision id from its contents and
// reports a mismatch. Ids not produced by a known hashing scheme are
// rejected outright.
func ValidateID(f *File) error {
	if !strings.HasPrefix(f.ID, "m1") {
		return fmt.Errorf("cannot parse migration name %q", f.ID)
	}

	computed := ComputeID(f.ParentID, f.Body())
	if computed != f.ID {
		return fmt.Errorf(
			"migration name should be %q but %q is used instead; "+
				"migration names are computed from the hash of the migration "+
				"contents; to proceed you must fix the statement to read as:\n"+
				"  CREATE MIGRATION %s ONTO %s\n"+
				"if this migration is not applied to any database, or revert "+
				"the changes to the file",
			computed, f.ID, computed, f.ParentID,
		)
	}
	return nil
}
