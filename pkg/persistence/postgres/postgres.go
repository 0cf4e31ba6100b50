// Package postgres provides the PostgreSQL implementation of the relational
// side of persistence: the workflow index, templates, and tenants.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the postgres database/sql driver.
	_ "github.com/lib/pq"

	"github.com/gridbee/marketflow/pkg/persistence"
	"github.com/gridbee/marketflow/pkg/persistence/sqlbase"
)

// Persistence implements the relational repositories on PostgreSQL.
type Persistence struct {
	db           *sql.DB
	logger       *slog.Logger
	indexRepo    *IndexRepository
	templateRepo *TemplateRepository
	tenantRepo   *TenantRepository
}

// NewPersistence connects, migrates, and returns the relational persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:           database,
		logger:       logger,
		indexRepo:    NewIndexRepository(database, logger),
		templateRepo: NewTemplateRepository(database, logger),
		tenantRepo:   NewTenantRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Index returns the workflow index repository.
func (p *Persistence) Index() persistence.IndexRepository {
	return p.indexRepo
}

// Templates returns the template repository.
func (p *Persistence) Templates() persistence.TemplateRepository {
	return p.templateRepo
}

// Tenants returns the tenant repository.
func (p *Persistence) Tenants() persistence.TenantRepository {
	return p.tenantRepo
}
