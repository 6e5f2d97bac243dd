package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sirupsen/logrus"

	"rugshield/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded PostgreSQL files in order.
// Every file is idempotent, so it is safe to run at each startup.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, log *logrus.Entry) error {
	files, err := sqlFiles(PostgresFS, "postgres")
	if err != nil {
		return err
	}

	for _, file := range files {
		data, err := fs.ReadFile(PostgresFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
		log.WithField("file", file).Debug("Applied migration")
	}
	return nil
}
