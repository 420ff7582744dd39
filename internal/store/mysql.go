package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the MySQL-backed Store for deployments where several
// service instances share state.
type MySQLStore struct {
	sqlStore
}

// NewMySQL connects with the given DSN and runs the schema migration.
// The DSN follows go-sql-driver/mysql syntax, e.g.
// "user:pass@tcp(db:3306)/arka".
func NewMySQL(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate index
			// on re-migration is not an error.
			if strings.HasPrefix(ddl, "CREATE INDEX") {
				continue
			}
			return err
		}
	}
	return nil
}
