package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const defaultPostgresImage = "postgres:16-alpine"

// startWithDocker runs a throwaway Postgres container (POSTGRES_IMAGE, or
// postgres:16-alpine) on a Docker-assigned local port and returns its
// connection string and a cleanup function.
func startWithDocker(ctx context.Context) (string, func(), error) {
	image := os.Getenv("POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}
	name := "careseries-it-" + uuid.NewString()[:8]

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=testuser",
		"-e", "POSTGRES_PASSWORD=testpass",
		"-e", "POSTGRES_DB=seriestest",
		image,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w\noutput: %s", err, out)
	}
	cleanup := func() {
		_ = exec.Command("docker", "rm", "-f", name).Run()
	}

	// "127.0.0.1:49153"
	out, err = exec.CommandContext(ctx, "docker", "port", name, "5432/tcp").Output()
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("docker port: %w", err)
	}
	addr := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])

	connStr := fmt.Sprintf("postgres://testuser:testpass@%s/seriestest?sslmode=disable", addr)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for postgres: %w", err)
	}
	return connStr, cleanup, nil
}

// waitForPostgres polls until the server accepts connections and answers a
// query. The official image restarts once during init, so a single
// successful connect is not enough on its own.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ready := 0
	for {
		if ping(ctx, connStr) == nil {
			ready++
			if ready == 2 {
				return nil
			}
		} else {
			ready = 0
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v", timeout)
		case <-ticker.C:
		}
	}
}

func ping(ctx context.Context, connStr string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}
