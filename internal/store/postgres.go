package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/switchsync/internal/ir"
)

// Postgres is the PostgreSQL policy store. The tables are expected to exist
// (match as jsonb); nothing is created or migrated.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and verifies it with a ping. A DSN that
// cannot be parsed or authenticated fails here.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases every pooled connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping acquires a connection and pings the server.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// TagRules returns all tag rows for a switch ordered by id ascending.
func (p *Postgres) TagRules(ctx context.Context, switchName string) ([]ir.TagRule, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::bigint, COALESCE("match"::text, ''), tag_value::bigint
		FROM tag_table
		WHERE switch_name = $1
		ORDER BY id ASC
	`, switchName)
	if err != nil {
		return nil, fmt.Errorf("query tag rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ir.TagRule])
	if err != nil {
		return nil, fmt.Errorf("scan tag rules: %w", err)
	}
	if rules == nil {
		rules = []ir.TagRule{}
	}
	return rules, nil
}

// FilterRules returns all filter rows for a switch ordered by id ascending.
func (p *Postgres) FilterRules(ctx context.Context, switchName string) ([]ir.FilterRule, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id::bigint, tag_value::bigint
		FROM filter_table
		WHERE switch_name = $1
		ORDER BY id ASC
	`, switchName)
	if err != nil {
		return nil, fmt.Errorf("query filter rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ir.FilterRule])
	if err != nil {
		return nil, fmt.Errorf("scan filter rules: %w", err)
	}
	if rules == nil {
		rules = []ir.FilterRule{}
	}
	return rules, nil
}

// Switches returns every switch name with at least one rule, sorted.
func (p *Postgres) Switches(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT switch_name FROM tag_table
		UNION
		SELECT switch_name FROM filter_table
		ORDER BY switch_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query switches: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan switches: %w", err)
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// InsertTagRule appends a tag rule and returns its row id.
func (p *Postgres) InsertTagRule(ctx context.Context, switchName, match string, tagValue int64) (int64, error) {
	canonical, err := validateTagRule(switchName, match, tagValue)
	if err != nil {
		return 0, err
	}

	var id int64
	err = p.pool.QueryRow(ctx, `
		INSERT INTO tag_table (switch_name, "match", tag_value)
		VALUES ($1, $2::jsonb, $3)
		RETURNING id::bigint
	`, switchName, canonical, tagValue).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert tag rule: %w", err)
	}
	return id, nil
}

// InsertFilterRule appends a filter rule and returns its row id.
func (p *Postgres) InsertFilterRule(ctx context.Context, switchName string, tagValue int64) (int64, error) {
	if err := validateFilterRule(switchName, tagValue); err != nil {
		return 0, err
	}

	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO filter_table (switch_name, tag_value)
		VALUES ($1, $2)
		RETURNING id::bigint
	`, switchName, tagValue).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert filter rule: %w", err)
	}
	return id, nil
}

// DeleteRule removes one row. Returns false if no row had that id.
func (p *Postgres) DeleteRule(ctx context.Context, class ir.IntentClass, id int64) (bool, error) {
	table, err := ruleTable(class)
	if err != nil {
		return false, err
	}

	tag, err := p.pool.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete %s rule %d: %w", class, id, err)
	}
	return tag.RowsAffected() > 0, nil
}
