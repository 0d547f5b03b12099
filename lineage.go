// Package lineage computes which migrations must run against a live
// database to bring it from its current recorded revision to a desired
// target revision, and applies that plan inside one transaction. The
// on-disk history comes from a source.Source; the database is reached
// through a driver.Connection.
package lineage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/root-talis/lineage/driver"
	"github.com/root-talis/lineage/history"
	"github.com/root-talis/lineage/migration"
	source2 "github.com/root-talis/lineage/source"
)

// ---

type Migrator interface {
	Migrate(ctx context.Context, opts Options) (*Result, error)
}

// Options control one engine run. The zero value migrates to the newest
// filesystem revision.
type Options struct {
	// ToRevision selects the target revision by prefix. The prefix must
	// match exactly one known revision. Empty targets the last revision of
	// the canonical chain.
	ToRevision string

	// Quiet suppresses progress logging. Errors are always reported.
	Quiet bool

	// AllowErrorState makes the engine clear any transaction or error
	// state a previous invocation left on the connection before planning.
	// Watch-mode callers that reuse one connection across invocations set
	// this explicitly instead of toggling hidden connection state.
	AllowErrorState bool
}

// Result describes a completed run.
type Result struct {
	// Applied lists the revisions applied during this run, in order.
	Applied []string
	// Rewrites counts the history rewrites performed.
	Rewrites int
	// Revision is the database revision after the run.
	Revision string
}

// ---

type engineImpl struct {
	source source2.Source
	conn   driver.Connection
}

// ---

func New(source source2.Source, conn driver.Connection) Migrator {
	return &engineImpl{
		source: source,
		conn:   conn,
	}
}

// ---

func (e *engineImpl) Migrate(ctx context.Context, opts Options) (*Result, error) {
	if opts.AllowErrorState {
		// Rolling back outside a transaction is a no-op server-side but
		// clears error state left by a previous watch-mode invocation.
		if err := e.conn.Execute(ctx, driver.RollbackTransaction); err != nil {
			log.Debug().Err(err).Msg("failed to clear connection state")
		}
	}

	chain, err := e.source.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	fixups, err := e.source.ReadFixups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixups: %w", err)
	}

	dbRevision, err := e.queryDBRevision(ctx)
	if err != nil {
		return nil, err
	}

	target, upToDate, err := e.resolveTarget(ctx, chain, opts.ToRevision)
	if err != nil {
		return nil, err
	}
	if upToDate {
		if !opts.Quiet {
			log.Info().Str("revision", dbRevision).Msg("database is up to date")
		}
		return &Result{Revision: dbRevision}, nil
	}

	ops, err := e.plan(ctx, chain, fixups, dbRevision, target)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		if !opts.Quiet {
			log.Info().Str("revision", dbRevision).Msg("everything is up to date")
		}
		return &Result{Revision: dbRevision}, nil
	}

	return e.execute(ctx, ops, dbRevision, opts)
}

// queryDBRevision fetches the last migration recorded in the database's
// schema catalog. It is read once per run and never cached across runs.
func (e *engineImpl) queryDBRevision(ctx context.Context) (string, error) {
	revs, err := e.conn.QueryStrings(ctx, driver.QueryLastMigration)
	if err != nil {
		return "", fmt.Errorf("failed to query database revision: %w", err)
	}
	switch len(revs) {
	case 0:
		return migration.Initial, nil
	case 1:
		return revs[0], nil
	default:
		return "", fmt.Errorf(
			"database reports %d head migrations; branching histories are not supported",
			len(revs),
		)
	}
}

// resolveTarget maps a user-supplied revision prefix to exactly one known
// revision id, consulting both the filesystem chain and the database
// catalog. A prefix matching an already-applied revision short-circuits the
// run as up to date.
func (e *engineImpl) resolveTarget(
	ctx context.Context,
	chain *migration.Set,
	prefix string,
) (string, bool, error) {
	if prefix == "" {
		last := chain.Last()
		if last == nil {
			return "", true, nil
		}
		return last.ID, false, nil
	}

	var fileRevs []string
	for _, id := range chain.IDs() {
		if strings.HasPrefix(id, prefix) {
			fileRevs = append(fileRevs, id)
		}
	}

	dbRevs, err := e.conn.QueryStrings(ctx, driver.QueryMigrationsByPrefix, prefix)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up target revision: %w", err)
	}

	switch {
	case len(fileRevs) > 1 || len(dbRevs) > 1:
		return "", false, &PlanningError{Kind: PlanAmbiguousTarget, Target: prefix}
	case len(fileRevs) == 1 && len(dbRevs) == 1 && fileRevs[0] != dbRevs[0]:
		return "", false, &PlanningError{Kind: PlanAmbiguousTarget, Target: prefix}
	case len(dbRevs) == 1:
		// already recorded in the database
		return dbRevs[0], true, nil
	case len(fileRevs) == 1:
		return fileRevs[0], false, nil
	default:
		return "", false, &PlanningError{
			Kind:   PlanUnknownTarget,
			Target: prefix,
			Hint:   "run with no target to migrate to the latest revision",
		}
	}
}

// plan computes the operation list. When the database revision sits on the
// canonical chain the plan is a plain slice; otherwise the history graph is
// searched for a fixup path.
func (e *engineImpl) plan(
	ctx context.Context,
	chain *migration.Set,
	fixups migration.FixupList,
	dbRevision, target string,
) ([]Operation, error) {
	if dbRevision == target {
		return nil, nil
	}

	if dbRevision == migration.Initial || chain.Contains(dbRevision) {
		if idx, ok := chain.Index(dbRevision); ok {
			if tIdx, tOK := chain.Index(target); tOK && tIdx <= idx {
				// target is an ancestor of the database revision
				log.Debug().
					Str("revision", dbRevision).
					Str("target", target).
					Msg("database is ahead of the requested target")
				return nil, nil
			}
		}
		slice, err := chain.Slice(dbRevision, target)
		if err != nil {
			return nil, fmt.Errorf("failed to slice migration chain: %w", err)
		}
		return lowerSlice(slice), nil
	}

	graph, err := history.NewGraph(chain, fixups)
	if err != nil {
		return nil, fmt.Errorf("failed to build history graph: %w", err)
	}
	path, err := history.FindPath(graph, dbRevision, target)
	if err != nil {
		return nil, err
	}
	if path == nil {
		return nil, e.classifyDivergence(ctx, graph, dbRevision, target)
	}
	return lowerPath(path, chain)
}

// classifyDivergence explains why no path connects the database revision to
// the target, so the user gets a remediation specific to the cause instead
// of a generic failure.
func (e *engineImpl) classifyDivergence(
	ctx context.Context,
	graph *history.Graph,
	dbRevision, target string,
) error {
	if graph.Knows(dbRevision) {
		return &PlanningError{
			Kind:     PlanNoPath,
			Revision: dbRevision,
			Target:   target,
			Hint:     "create a fixup file manually or recreate the database",
		}
	}

	tags, err := e.conn.QueryStrings(ctx, driver.QueryGeneratedBy, dbRevision)
	if err != nil {
		return fmt.Errorf("failed to classify database revision %s: %w", dbRevision, err)
	}
	tag := ""
	if len(tags) > 0 {
		tag = tags[0]
	}

	switch tag {
	case driver.GeneratedByDevMode:
		return &PlanningError{
			Kind:     PlanDevModeDivergence,
			Revision: dbRevision,
			Hint: "create a regular migration from the current schema " +
				"to resume using migration files",
		}
	case driver.GeneratedByDDL:
		return &PlanningError{
			Kind:     PlanDDLDivergence,
			Revision: dbRevision,
			Hint: "the schema was changed with bare DDL statements; " +
				"create a fixup file manually or recreate the database",
		}
	default:
		return &PlanningError{
			Kind:     PlanUnknownDivergence,
			Revision: dbRevision,
			Hint: "update the migration sources, create a fixup file " +
				"manually, or recreate the database",
		}
	}
}

// ---

// execute runs the operation list in one transaction. The session timeout
// is inhibited first and restored on every exit path.
func (e *engineImpl) execute(
	ctx context.Context,
	ops []Operation,
	dbRevision string,
	opts Options,
) (*Result, error) {
	oldTimeout, err := e.inhibitTimeout(ctx)
	if err != nil {
		return nil, err
	}
	defer e.restoreTimeout(ctx, oldTimeout)

	if err := e.conn.Execute(ctx, driver.StartTransaction); err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}

	result := &Result{Revision: dbRevision}
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpApply:
			err = e.applyOne(ctx, op.File, result, opts.Quiet)
		case OpRewrite:
			err = e.rewriteHistory(ctx, op.Slice, result, opts.Quiet)
		}
		if err != nil {
			e.rollback(ctx)
			return nil, err
		}
	}

	if err := e.conn.Execute(ctx, driver.CommitTransaction); err != nil {
		e.rollback(ctx)
		return nil, fmt.Errorf("failed to commit migrations: %w", err)
	}

	if dbRevision == migration.Initial {
		// The very first migration locks out ad-hoc schema changes; this
		// runs outside the transaction.
		if err := e.conn.Execute(ctx, driver.DisableBareDDL); err != nil {
			return nil, fmt.Errorf("failed to disable bare DDL: %w", err)
		}
	}

	return result, nil
}

func (e *engineImpl) applyOne(
	ctx context.Context,
	f *migration.File,
	result *Result,
	quiet bool,
) error {
	if err := e.conn.Execute(ctx, f.Text); err != nil {
		return &ApplyMigrationError{Path: f.Path, Revision: f.ID, Err: err}
	}

	result.Applied = append(result.Applied, f.ID)
	result.Revision = f.ID

	if !quiet {
		log.Info().
			Str("revision", f.ID).
			Str("file", filepath.Base(f.Path)).
			Msg("applied migration")
	}
	return nil
}

func (e *engineImpl) rewriteHistory(
	ctx context.Context,
	slice []*migration.File,
	result *Result,
	quiet bool,
) error {
	if err := e.conn.Execute(ctx, driver.StartMigrationRewrite); err != nil {
		return fmt.Errorf("failed to start migration rewrite: %w", err)
	}

	for _, f := range slice {
		if err := e.conn.Execute(ctx, f.Text); err != nil {
			if abortErr := e.conn.Execute(ctx, driver.AbortMigrationRewrite); abortErr != nil {
				log.Debug().Err(abortErr).Msg("failed to abort migration rewrite")
			}
			return &ApplyMigrationError{Path: f.Path, Revision: f.ID, Err: err}
		}
	}

	if err := e.conn.Execute(ctx, driver.CommitMigrationRewrite); err != nil {
		return fmt.Errorf("failed to commit migration rewrite: %w", err)
	}

	result.Rewrites++
	if len(slice) > 0 {
		result.Revision = slice[len(slice)-1].ID
	}
	if !quiet {
		log.Info().
			Str("through", result.Revision).
			Int("migrations", len(slice)).
			Msg("rewrote recorded history")
	}
	return nil
}

func (e *engineImpl) rollback(ctx context.Context) {
	if err := e.conn.Execute(ctx, driver.RollbackTransaction); err != nil {
		log.Debug().Err(err).Msg("failed to roll back transaction")
	}
}

// ---

func (e *engineImpl) inhibitTimeout(ctx context.Context) (string, error) {
	values, err := e.conn.QueryStrings(ctx, driver.QuerySessionTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to read session timeout: %w", err)
	}
	old := ""
	if len(values) > 0 {
		old = values[0]
	}

	if err := e.conn.Execute(ctx, driver.InhibitSessionTimeout); err != nil {
		return "", fmt.Errorf("failed to inhibit session timeout: %w", err)
	}
	return old, nil
}

func (e *engineImpl) restoreTimeout(ctx context.Context, old string) {
	if old == "" {
		return
	}
	if err := e.conn.Execute(ctx, driver.RestoreSessionTimeout(old)); err != nil {
		log.Warn().Err(err).Msg("failed to restore session timeout")
	}
}
