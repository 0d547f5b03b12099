// Package sqlconn adapts a plain database/sql database to the Connection
// capability the apply engine consumes. It recognizes the engine's control
// statements and catalog queries, keeps the recorded migration history in a
// log table, and executes migration body statements as SQL against the
// backend.
package sqlconn

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/root-talis/lineage/driver"
	"github.com/root-talis/lineage/migration"
)

const (
	defaultTableName = "lineage_log"
	rewriteSavepoint = "lineage_rewrite"

	// session_idle_transaction_timeout default, reported until the session
	// configures another value.
	defaultSessionTimeout = "PT10S"

	timeoutSetting = "session_idle_transaction_timeout"
)

type Config struct {
	// MigrationsTableName is the log table holding recorded history.
	// Defaults to "lineage_log".
	MigrationsTableName string
}

type sqlConnection struct {
	db    *sql.DB
	table string

	tx      *sql.Tx
	rewrite bool

	session  map[string]string
	database map[string]string
}

// New wraps db as a Connection, creating the migration log table when it
// does not exist yet.
func New(db *sql.DB, config Config) (driver.Connection, error) {
	table := config.MigrationsTableName
	if table == "" {
		table = defaultTableName
	}
	if !isIdentifier(table) {
		return nil, fmt.Errorf("invalid migrations table name %q", table)
	}

	conn := &sqlConnection{
		db:       db,
		table:    table,
		session:  map[string]string{timeoutSetting: defaultSessionTimeout},
		database: make(map[string]string),
	}
	if err := conn.ensureLogTable(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *sqlConnection) ensureLogTable() error {
	_, err := c.db.Exec(fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"seq          BIGINT      NOT NULL, "+
			"name         VARCHAR(80) NOT NULL, "+
			"parent       VARCHAR(80) NOT NULL, "+
			"message      VARCHAR(255)    NULL, "+
			"script       TEXT            NULL, "+
			"generated_by VARCHAR(32)     NULL, "+
			"applied_at   VARCHAR(32) NOT NULL, "+
			"PRIMARY KEY (seq)"+
			")",
		c.table,
	))
	if err != nil {
		return fmt.Errorf("failed to create migrations log table %s: %w", c.table, err)
	}
	return nil
}

func (c *sqlConnection) Execute(ctx context.Context, statement string) error {
	switch trimmed := strings.TrimSpace(statement); trimmed {
	case driver.StartTransaction:
		return c.startTransaction(ctx)
	case driver.CommitTransaction:
		return c.commitTransaction()
	case driver.RollbackTransaction:
		return c.rollbackTransaction()
	case driver.StartMigrationRewrite:
		return c.startRewrite(ctx)
	case driver.CommitMigrationRewrite:
		return c.commitRewrite(ctx)
	case driver.AbortMigrationRewrite:
		return c.abortRewrite(ctx)
	default:
		if setting, ok := strings.CutPrefix(trimmed, "CONFIGURE SESSION SET "); ok {
			return configure(c.session, setting)
		}
		if setting, ok := strings.CutPrefix(trimmed, "CONFIGURE CURRENT DATABASE SET "); ok {
			return configure(c.database, setting)
		}
		return c.applyMigration(ctx, statement)
	}
}

func (c *sqlConnection) QueryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	switch query {
	case driver.QueryLastMigration:
		return c.queryColumn(ctx, fmt.Sprintf(
			"SELECT name FROM %s ORDER BY seq DESC LIMIT 1", c.table,
		))
	case driver.QueryMigrationsByPrefix:
		prefix, err := stringArg(args)
		if err != nil {
			return nil, err
		}
		return c.queryColumn(ctx, fmt.Sprintf(
			"SELECT name FROM %s WHERE name LIKE ? ESCAPE '!' ORDER BY seq", c.table,
		), likePattern(prefix))
	case driver.QueryGeneratedBy:
		name, err := stringArg(args)
		if err != nil {
			return nil, err
		}
		return c.queryColumn(ctx, fmt.Sprintf(
			"SELECT generated_by FROM %s WHERE name = ?"+
				" AND generated_by IS NOT NULL AND generated_by <> ''", c.table,
		), name)
	case driver.QuerySessionTimeout:
		return []string{c.session[timeoutSetting]}, nil
	default:
		return c.queryColumn(ctx, query, args...)
	}
}

// -- transaction control ----------

func (c *sqlConnection) startTransaction(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction is already open")
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *sqlConnection) commitTransaction() error {
	if c.tx == nil {
		return fmt.Errorf("no transaction is open")
	}
	err := c.tx.Commit()
	c.tx = nil
	c.rewrite = false
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *sqlConnection) rollbackTransaction() error {
	if c.tx == nil {
		// Matches server behavior: rolling back outside of a transaction
		// only clears error state.
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	c.rewrite = false
	if err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// -- migration rewrite ----------

func (c *sqlConnection) startRewrite(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("migration rewrite requires an open transaction")
	}
	if c.rewrite {
		return fmt.Errorf("migration rewrite is already open")
	}
	if _, err := c.tx.ExecContext(ctx, "SAVEPOINT "+rewriteSavepoint); err != nil {
		return fmt.Errorf("failed to start migration rewrite: %w", err)
	}
	if _, err := c.tx.ExecContext(ctx, "DELETE FROM "+c.table); err != nil {
		return fmt.Errorf("failed to start migration rewrite: %w", err)
	}
	c.rewrite = true
	return nil
}

func (c *sqlConnection) commitRewrite(ctx context.Context) error {
	if !c.rewrite {
		return fmt.Errorf("no migration rewrite is open")
	}
	c.rewrite = false
	if _, err := c.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+rewriteSavepoint); err != nil {
		return fmt.Errorf("failed to commit migration rewrite: %w", err)
	}
	return nil
}

func (c *sqlConnection) abortRewrite(ctx context.Context) error {
	if !c.rewrite {
		return fmt.Errorf("no migration rewrite is open")
	}
	c.rewrite = false
	if _, err := c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+rewriteSavepoint); err != nil {
		return fmt.Errorf("failed to abort migration rewrite: %w", err)
	}
	return nil
}

// -- migrations ----------

// applyMigration handles a CREATE MIGRATION statement. Inside a rewrite
// only the recorded history changes; otherwise the body statements run
// against the backend first.
func (c *sqlConnection) applyMigration(ctx context.Context, statement string) error {
	data, err := migration.Parse(statement)
	if err != nil {
		// Not a migration statement; pass it to the backend as-is.
		return c.execRaw(ctx, statement)
	}

	file := &migration.File{Migration: data, Text: statement}
	if !c.rewrite {
		for _, stmt := range file.BodyStatements() {
			if err := c.execRaw(ctx, stmt.Text); err != nil {
				return &driver.ServerError{
					Code:    "query_error",
					Message: err.Error(),
					Line:    stmt.Line,
					Column:  1,
				}
			}
		}
	}
	return c.insertLogRow(ctx, file)
}

func (c *sqlConnection) insertLogRow(ctx context.Context, file *migration.File) error {
	var seq int64
	row := c.queryRow(ctx, fmt.Sprintf(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM %s", c.table,
	))
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", file.ID, err)
	}

	err := c.execRaw(ctx, fmt.Sprintf(
		"INSERT INTO %s (seq, name, parent, message, script, applied_at)"+
			" VALUES (?, ?, ?, ?, ?, ?)",
		c.table,
	), seq, file.ID, file.ParentID, file.Message, file.Body(),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", file.ID, err)
	}
	return nil
}

// -- plumbing ----------

func (c *sqlConnection) execRaw(ctx context.Context, query string, args ...interface{}) error {
	var err error
	if c.tx != nil {
		_, err = c.tx.ExecContext(ctx, query, args...)
	} else {
		_, err = c.db.ExecContext(ctx, query, args...)
	}
	return err
}

func (c *sqlConnection) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	if c.tx != nil {
		return c.tx.QueryRowContext(ctx, query, args...)
	}
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *sqlConnection) queryColumn(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = c.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan query result: %w", err)
		}
		result = append(result, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return result, nil
}

// configure parses a `name := value` setting, stripping a leading type cast
// and surrounding quotes from the value.
func configure(store map[string]string, setting string) error {
	name, value, ok := strings.Cut(setting, ":=")
	if !ok {
		return fmt.Errorf("malformed CONFIGURE statement: %q", setting)
	}

	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "<") {
		if _, rest, ok := strings.Cut(value, ">"); ok {
			value = rest
		}
	}
	value = strings.Trim(value, "'")

	store[strings.TrimSpace(name)] = value
	return nil
}

func stringArg(args []interface{}) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected exactly one query argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return "", fmt.Errorf("expected a string query argument, got %T", args[0])
	}
	return s, nil
}

// likePattern builds a prefix match. The escape character is '!' because a
// literal backslash in SQL text means different things to different backends.
func likePattern(prefix string) string {
	escaped := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(prefix)
	return escaped + "%"
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c != '_' &&
			(c < 'a' || c > 'z') &&
			(c < 'A' || c > 'Z') &&
			(c < '0' || c > '9') {
			return false
		}
	}
	return true
}
