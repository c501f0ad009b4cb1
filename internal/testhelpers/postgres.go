// Package testhelpers starts the throwaway infrastructure used by the
// integration suites.
package testhelpers

import (
	"context"
	"time"

	"payment-webhook-service/internal/db"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

func CreatePostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("webhooks"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}
	return &PostgresContainer{
		PostgresContainer: pgContainer,
		ConnectionString:  connStr,
	}, nil
}

// StartDatabase starts a container, applies the migrations and opens a pool.
func StartDatabase(ctx context.Context) (*PostgresContainer, *pgxpool.Pool, error) {
	pgContainer, err := CreatePostgresContainer(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, nil, err
	}
	pool, err := db.GetPool(ctx, pgContainer.ConnectionString)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, nil, err
	}
	return pgContainer, pool, nil
}

// Truncate empties every table the service writes to.
func Truncate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE webhook_event, ticket, ticket_capacity, refund, orphan_event, orders`)
	return err
}
