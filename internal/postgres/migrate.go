package postgres

import (
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrateURL rewrites a libpq style DSN to the scheme the pgx/v5 migrate
// driver registers.
func migrateURL(dsn string) string {
	for _, p := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(dsn, p) {
			return "pgx5://" + strings.TrimPrefix(dsn, p)
		}
	}
	return dsn
}

// Migrate applies every pending migration.
func Migrate(dsn string, log *zap.Logger) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "open embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return errors.Wrap(err, "init migrate")
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	v, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "migration version")
	}
	if log != nil {
		log.Info("schema ready", zap.Uint("version", v), zap.Bool("dirty", dirty))
	}
	return nil
}
