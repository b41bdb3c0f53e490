package test

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"

	pg "github.com/code-payments/flipchat-entitlements/database/postgres"

	_ "github.com/jackc/pgx/v4/stdlib"
)

const (
	containerName     = "postgres"
	containerVersion  = "15-alpine"
	containerAutoKill = 120 // seconds

	port     = 5432
	user     = "postgres"
	password = "postgres"
	dbName   = "entitlements"
)

// StartPostgresDB starts a throwaway postgres container and returns its
// connection url. The container is removed automatically after a while.
func StartPostgresDB(pool *dockertest.Pool) (databaseUrl string, err error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerName,
		Tag:        containerVersion,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbName,
			"listen_addresses='*'",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", errors.Wrap(err, "could not start postgres container")
	}

	if err := resource.Expire(containerAutoKill); err != nil {
		return "", errors.Wrap(err, "could not set container expiry")
	}

	hostAndPort := resource.GetHostPort(fmt.Sprintf("%d/tcp", port))
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, hostAndPort, dbName), nil
}

// WaitForConnection retries until the database accepts connections. When
// migrate is set the entitlement schema is applied before returning.
func WaitForConnection(databaseUrl string, migrate bool) (*sql.DB, func(), error) {
	var db *sql.DB

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Minute

	err := backoff.Retry(func() error {
		var err error
		db, err = sql.Open("pgx", databaseUrl)
		if err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return err
		}
		return nil
	}, b)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not connect to postgres")
	}

	if migrate {
		if err := pg.Migrate(context.Background(), db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}

	disconnect := func() {
		_ = db.Close()
	}
	return db, disconnect, nil
}
