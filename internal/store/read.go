package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/switchsync/internal/ir"
)

// TagRules returns all tag rows for a switch ordered by id ascending.
// Returns an empty slice (not nil) if the switch has no rows.
func (s *Store) TagRules(ctx context.Context, switchName string) ([]ir.TagRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE("match", ''), tag_value
		FROM tag_table
		WHERE switch_name = ?
		ORDER BY id ASC
	`, switchName)
	if err != nil {
		return nil, fmt.Errorf("query tag rules: %w", err)
	}
	defer rows.Close()

	rules := []ir.TagRule{}
	for rows.Next() {
		var r ir.TagRule
		if err := rows.Scan(&r.ID, &r.Match, &r.TagValue); err != nil {
			return nil, fmt.Errorf("scan tag rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tag rules: %w", err)
	}
	return rules, nil
}

// FilterRules returns all filter rows for a switch ordered by id ascending.
func (s *Store) FilterRules(ctx context.Context, switchName string) ([]ir.FilterRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_value
		FROM filter_table
		WHERE switch_name = ?
		ORDER BY id ASC
	`, switchName)
	if err != nil {
		return nil, fmt.Errorf("query filter rules: %w", err)
	}
	defer rows.Close()

	rules := []ir.FilterRule{}
	for rows.Next() {
		var r ir.FilterRule
		if err := rows.Scan(&r.ID, &r.TagValue); err != nil {
			return nil, fmt.Errorf("scan filter rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filter rules: %w", err)
	}
	return rules, nil
}

// Switches returns every switch name with at least one rule, sorted.
func (s *Store) Switches(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT switch_name FROM tag_table
		UNION
		SELECT switch_name FROM filter_table
		ORDER BY switch_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query switches: %w", err)
	}
	defer rows.Close()
	return scanNames(rows)
}

func scanNames(rows *sql.Rows) ([]string, error) {
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan switch name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate switches: %w", err)
	}
	return names, nil
}
