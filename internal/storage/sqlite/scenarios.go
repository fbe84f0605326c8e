package sqlite

import (
	"context"
	"fmt"

	"github.com/voxatc/voxatc/internal/scenario"
)

// ReplaceScenarios atomically replaces the persisted custom scenario set.
// The catalog is the source of truth in memory; the server syncs it here
// after every mutation.
func (s *Store) ReplaceScenarios(ctx context.Context, scenarios []scenario.Scenario) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: replace scenarios: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scenarios`); err != nil {
		return fmt.Errorf("storage: replace scenarios: clear: %w", err)
	}
	for _, sc := range scenarios {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scenarios (id, title, description, category, instruction, expected_readback)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sc.ID, sc.Title, sc.Description, sc.Category, sc.Instruction, sc.ExpectedReadback,
		); err != nil {
			return fmt.Errorf("storage: replace scenarios: insert %q: %w", sc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: replace scenarios: commit: %w", err)
	}
	return nil
}

// ListScenarios returns the persisted custom scenarios in insertion order.
func (s *Store) ListScenarios(ctx context.Context) ([]scenario.Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, category, instruction, expected_readback
		 FROM scenarios ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("storage: list scenarios: %w", err)
	}
	defer rows.Close()

	scenarios := []scenario.Scenario{}
	for rows.Next() {
		var sc scenario.Scenario
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.Description, &sc.Category,
			&sc.Instruction, &sc.ExpectedReadback); err != nil {
			return nil, fmt.Errorf("storage: scan scenario: %w", err)
		}
		sc.Custom = true
		scenarios = append(scenarios, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list scenarios: %w", err)
	}
	return scenarios, nil
}
