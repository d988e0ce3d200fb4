// Package zombiezen implements the dane.Writer deployment-history store
// using zombiezen/sqlite.
package zombiezen

import (
	"context"
	"fmt"

	dane "github.com/caasmo/restinpieces-dane"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Schema creates the deployments table. Applied idempotently by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY,
	digest TEXT NOT NULL,
	action TEXT NOT NULL,
	domains TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS deployments_digest ON deployments (digest);
`

// Db implements the dane.Writer interface using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewWriter creates a new Db instance satisfying the Writer interface.
// It expects the sqlitex.Pool to be created and managed externally.
func NewWriter(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.NewWriter: received nil pool")
	}
	return &Db{pool: pool}
}

// Migrate applies the history schema.
func Migrate(ctx context.Context, pool *sqlitex.Pool) error {
	conn, err := pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, Schema, nil); err != nil {
		return fmt.Errorf("db: failed to apply history schema: %w", err)
	}
	return nil
}

// AddDeployment adds a new record to the 'deployments' table.
func (d *Db) AddDeployment(dep dane.Deployment) error {
	conn, err := d.pool.Take(context.TODO())
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO deployments (
			digest, action, domains, record_count, created_at
		) VALUES (?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				dep.Digest,
				dep.Action,
				dep.Domains,
				dep.Records,
				dane.TimeFormat(dep.CreatedAt),
			},
		})

	if err != nil {
		return fmt.Errorf("db: failed to insert deployment for digest %q: %w", dep.Digest, err)
	}
	return nil
}
