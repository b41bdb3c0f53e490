package test

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	containerName     = "redis"
	containerVersion  = "7-alpine"
	containerAutoKill = 120 // seconds

	port = 6379
)

// StartRedis starts a throwaway redis container and returns a connected
// client together with a cleanup function.
func StartRedis(pool *dockertest.Pool) (*redis.Client, func(), error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerName,
		Tag:        containerVersion,
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not start redis container")
	}

	if err := resource.Expire(containerAutoKill); err != nil {
		return nil, nil, errors.Wrap(err, "could not set container expiry")
	}

	client := redis.NewClient(&redis.Options{
		Addr: resource.GetHostPort(fmt.Sprintf("%d/tcp", port)),
	})

	cleanup := func() {
		_ = client.Close()
		if err := pool.Purge(resource); err != nil {
			fmt.Printf("Could not purge resource: %s\n", err)
		}
	}

	b := backoff.NewConstantBackOff(500 * time.Millisecond)
	err = backoff.Retry(func() error {
		return client.Ping(context.Background()).Err()
	}, backoff.WithMaxRetries(b, 60))
	if err != nil {
		cleanup()
		return nil, nil, errors.Wrap(err, "could not connect to redis")
	}

	return client, cleanup, nil
}
