package driver

import (
	"context"
	"fmt"
)

// Connection is the capability the apply engine consumes. Connection
// establishment, authentication and the wire protocol live behind it.
// A connection is exclusively owned by the calling command for the
// duration of one engine run; the protocol forbids issuing two statements
// concurrently.
type Connection interface {
	// Execute runs one statement with no result.
	Execute(ctx context.Context, statement string) error
	// QueryStrings runs a query returning a single string column.
	QueryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error)
}

// Transaction and history-rewrite control statements. Drivers that do not
// speak the native protocol recognize these verbatim.
const (
	StartTransaction    = "START TRANSACTION"
	CommitTransaction   = "COMMIT"
	RollbackTransaction = "ROLLBACK"

	StartMigrationRewrite  = "START MIGRATION REWRITE"
	CommitMigrationRewrite = "COMMIT MIGRATION REWRITE"
	AbortMigrationRewrite  = "ABORT MIGRATION REWRITE"
)

// Catalog queries consulted by the engine. The schema catalog exposes the
// last-applied migration id and, where available, the tag recording what
// generated a migration.
const (
	// QueryLastMigration yields zero rows on an empty database, one row
	// otherwise.
	QueryLastMigration = `
		WITH Last := (SELECT schema::Migration
		              FILTER NOT EXISTS .<parents[IS schema::Migration])
		SELECT name := assert_single(Last.name)`

	// QueryMigrationsByPrefix takes a revision id prefix as $0.
	QueryMigrationsByPrefix = `
		SELECT name := schema::Migration.name
		FILTER name LIKE <str>$0 ++ '%'`

	// QueryGeneratedBy takes a revision id as $0 and yields zero rows when
	// the migration carries no generation tag.
	QueryGeneratedBy = `
		SELECT assert_single((
			SELECT schema::Migration FILTER .name = <str>$0
		).generated_by)`

	// QuerySessionTimeout reads the current statement timeout so it can be
	// restored after a run.
	QuerySessionTimeout = "SELECT assert_single(cfg::Config.session_idle_transaction_timeout)"
)

// Generation-cause tags recorded in the schema catalog.
const (
	GeneratedByDevMode = "DevMode"
	GeneratedByDDL     = "DDLStatement"
)

// Session configuration statements.
const (
	InhibitSessionTimeout = "CONFIGURE SESSION SET session_idle_transaction_timeout" +
		" := <std::duration>'0'"

	DisableBareDDL = "CONFIGURE CURRENT DATABASE SET allow_bare_ddl" +
		" := cfg::AllowBareDDL.NeverAllow"
)

// RestoreSessionTimeout builds the statement restoring a timeout previously
// read via QuerySessionTimeout.
func RestoreSessionTimeout(value string) string {
	return fmt.Sprintf(
		"CONFIGURE SESSION SET session_idle_transaction_timeout := <std::duration>'%s'",
		value,
	)
}

// ServerError is a diagnostic reported by the database for a rejected
// statement. Line and Column are 1-based and zero when the server did not
// locate the error.
type ServerError struct {
	Code    string
	Message string
	Line    int
	Column  int
	Hint    string
}

func (e *ServerError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at %d:%d: %s", e.Code, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
