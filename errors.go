package lineage

import (
	"errors"
	"fmt"

	"github.com/root-talis/lineage/driver"
)

// PlanningKind classifies fatal planning failures. Each kind carries its
// own remediation hint; none of them is ever retried.
type PlanningKind int

const (
	// PlanAmbiguousTarget: a target prefix matches more than one revision.
	PlanAmbiguousTarget PlanningKind = iota
	// PlanUnknownTarget: a target prefix matches no known revision.
	PlanUnknownTarget
	// PlanNoPath: the database revision is known but not connected to the
	// target.
	PlanNoPath
	// PlanDevModeDivergence: the database was last migrated by the
	// dev-mode tool.
	PlanDevModeDivergence
	// PlanDDLDivergence: the database history contains migrations
	// generated from raw DDL statements.
	PlanDDLDivergence
	// PlanUnknownDivergence: the database revision does not appear in the
	// filesystem history at all.
	PlanUnknownDivergence
)

// PlanningError is a fatal failure to compute a migration plan.
type PlanningError struct {
	Kind     PlanningKind
	Target   string // target revision or prefix, when relevant
	Revision string // database revision, when relevant
	Hint     string
}

func (e *PlanningError) Error() string {
	var msg string
	switch e.Kind {
	case PlanAmbiguousTarget:
		msg = fmt.Sprintf("more than one revision matches prefix %q", e.Target)
	case PlanUnknownTarget:
		msg = fmt.Sprintf("no revision with prefix %q found", e.Target)
	case PlanNoPath:
		msg = fmt.Sprintf(
			"there is no migration path from database revision %s to %s",
			e.Revision, e.Target,
		)
	case PlanDevModeDivergence:
		msg = fmt.Sprintf(
			"database revision %s was generated by the dev-mode tool and is "+
				"not present in the filesystem history",
			e.Revision,
		)
	case PlanDDLDivergence:
		msg = fmt.Sprintf(
			"database revision %s was generated by a raw DDL statement and "+
				"is not present in the filesystem history",
			e.Revision,
		)
	default:
		msg = fmt.Sprintf(
			"database revision %s is not present in the filesystem history",
			e.Revision,
		)
	}

	if e.Hint != "" {
		return msg + "; " + e.Hint
	}
	return msg
}

// ApplyMigrationError reports a migration statement rejected by the
// database. It is fatal for the run and triggers a rollback of the outer
// transaction.
type ApplyMigrationError struct {
	Path     string
	Revision string
	Err      error
}

func (e *ApplyMigrationError) Error() string {
	var srv *driver.ServerError
	if errors.As(e.Err, &srv) && srv.Line > 0 {
		return fmt.Sprintf(
			"could not apply migration %s (%s) at %d:%d: %s",
			e.Revision, e.Path, srv.Line, srv.Column, srv.Message,
		)
	}
	return fmt.Sprintf("could not apply migration %s (%s): %v", e.Revision, e.Path, e.Err)
}

func (e *ApplyMigrationError) Unwrap() error {
	return e.Err
}
