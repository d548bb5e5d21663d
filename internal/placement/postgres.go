package placement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pv-engine/internal/model"
)

// hardDepth bounds the recursive walk when the caller asks for the full
// chain, so corrupt parent links cannot recurse forever.
const hardDepth = 10000

// PostgresTree reads the members table maintained by registration:
// members(user_id PK, parent_id NULL, side, active).
type PostgresTree struct {
	pool *pgxpool.Pool
}

func NewPostgresTree(pool *pgxpool.Pool) *PostgresTree {
	return &PostgresTree{pool: pool}
}

func (t *PostgresTree) Ancestors(ctx context.Context, userID string, maxDepth int) ([]Ancestor, error) {
	if maxDepth <= 0 {
		maxDepth = hardDepth
	}

	var exists bool
	if err := t.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM members WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup member: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}

	rows, err := t.pool.Query(ctx,
		`WITH RECURSIVE chain AS (
		     SELECT m.parent_id AS ancestor_id, m.side, 1 AS level
		     FROM members m
		     WHERE m.user_id = $1 AND m.parent_id IS NOT NULL
		   UNION ALL
		     SELECT p.parent_id, p.side, c.level + 1
		     FROM chain c JOIN members p ON p.user_id = c.ancestor_id
		     WHERE p.parent_id IS NOT NULL AND c.level < $2::INT
		 )
		 SELECT ancestor_id, side, level FROM chain ORDER BY level`,
		userID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("walk placement chain: %w", err)
	}
	defer rows.Close()

	var chain []Ancestor
	for rows.Next() {
		var a Ancestor
		var side string
		if err := rows.Scan(&a.UserID, &side, &a.Level); err != nil {
			return nil, err
		}
		a.Side = model.Side(side)
		chain = append(chain, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain) == hardDepth {
		return nil, fmt.Errorf("%w from %s", ErrCycle, userID)
	}
	return chain, nil
}

func (t *PostgresTree) ActiveUserIDs(ctx context.Context) ([]string, error) {
	rows, err := t.pool.Query(ctx, `SELECT user_id FROM members WHERE active ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
