package store

import (
	"context"
	"fmt"

	"github.com/roach88/switchsync/internal/ir"
)

// InsertTagRule appends a tag rule for a switch and returns its row id.
// The match text must be a JSON object; it is stored in canonical form so
// rows edited through the CLI fingerprint the same way regardless of how
// they were typed.
func (s *Store) InsertTagRule(ctx context.Context, switchName, match string, tagValue int64) (int64, error) {
	canonical, err := validateTagRule(switchName, match, tagValue)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tag_table (switch_name, "match", tag_value)
		VALUES (?, ?, ?)
	`, switchName, canonical, tagValue)
	if err != nil {
		return 0, fmt.Errorf("insert tag rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert tag rule: %w", err)
	}
	return id, nil
}

// InsertFilterRule appends a filter rule for a switch and returns its row id.
func (s *Store) InsertFilterRule(ctx context.Context, switchName string, tagValue int64) (int64, error) {
	if err := validateFilterRule(switchName, tagValue); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO filter_table (switch_name, tag_value)
		VALUES (?, ?)
	`, switchName, tagValue)
	if err != nil {
		return 0, fmt.Errorf("insert filter rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert filter rule: %w", err)
	}
	return id, nil
}

// DeleteRule removes one row. Returns false if no row had that id.
func (s *Store) DeleteRule(ctx context.Context, class ir.IntentClass, id int64) (bool, error) {
	table, err := ruleTable(class)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete %s rule %d: %w", class, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s rule %d: %w", class, id, err)
	}
	return n > 0, nil
}

func validateTagRule(switchName, match string, tagValue int64) (string, error) {
	if err := validateFilterRule(switchName, tagValue); err != nil {
		return "", err
	}
	canonical, err := ir.CanonicalMatchText(match)
	if err != nil {
		return "", fmt.Errorf("invalid match: %w", err)
	}
	return canonical, nil
}

func validateFilterRule(switchName string, tagValue int64) error {
	if switchName == "" {
		return fmt.Errorf("switch name is required")
	}
	if tagValue < 0 {
		return fmt.Errorf("tag value must be non-negative, got %d", tagValue)
	}
	return nil
}

// ruleTable maps a rule class to its table name. Only names from this
// switch are ever interpolated into SQL.
func ruleTable(class ir.IntentClass) (string, error) {
	switch class {
	case ir.ClassTag:
		return "tag_table", nil
	case ir.ClassFilter:
		return "filter_table", nil
	default:
		return "", fmt.Errorf("class %q has no policy store table", class)
	}
}
