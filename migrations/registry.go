// Package migrations locates the embedded schema for each supported dialect
// and applies it through go-persistence-bun.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	xwebhook "github.com/shahreaz0/xwebhook"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	defaultLabel = "xwebhook"
	embeddedRoot = "data/sql/migrations"
)

// Source is one dialect's migration directory. Postgres files live at the
// root of the tree; SQLite alternatives live in its sqlite/ subdirectory.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	Label    string
	Dialects []string
	Sources  []Source
}

type RegisterFunc func(ctx context.Context, dialect string, label string, fsys fs.FS) error

type Option func(*Registration)

func WithLabel(label string) Option {
	return func(r *Registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.Label = label
		}
	}
}

// WithDialects limits registration to the named dialects.
func WithDialects(dialects ...string) Option {
	return func(r *Registration) {
		if selected := normalizeDialects(dialects); len(selected) > 0 {
			r.Dialects = selected
		}
	}
}

// WithSources replaces the embedded tree, for callers that ship extra
// migrations alongside the engine schema.
func WithSources(sources ...Source) Option {
	return func(r *Registration) {
		var kept []Source
		for _, source := range sources {
			source.Dialect = normalizeDialect(source.Dialect)
			if source.Dialect == "" || source.FS == nil {
				continue
			}
			kept = append(kept, source)
		}
		if len(kept) > 0 {
			r.Sources = kept
		}
	}
}

// Sources resolves the per-dialect directories under root, or under the
// embedded tree when root is nil. Each directory must hold at least one
// *.up.sql file.
func Sources(root fs.FS) ([]Source, error) {
	if root == nil {
		root = xwebhook.GetMigrationsFS()
	}
	base, basePath, err := locateRoot(root)
	if err != nil {
		return nil, err
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: sqlite directory: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: basePath, FS: base},
		{Dialect: DialectSQLite, Path: path.Join(basePath, DialectSQLite), FS: sqliteFS},
	}
	for _, source := range sources {
		ups, err := fs.Glob(source.FS, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: scan %s: %w", source.Path, err)
		}
		if len(ups) == 0 {
			return nil, fmt.Errorf("migrations: no %s up migrations in %q", source.Dialect, source.Path)
		}
	}
	return sources, nil
}

// Register hands every selected dialect source to fn.
func Register(ctx context.Context, fn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		Label:    defaultLabel,
		Dialects: []string{DialectPostgres, DialectSQLite},
	}
	if fn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}
	sources, err := Sources(nil)
	if err != nil {
		return reg, err
	}
	reg.Sources = sources

	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	for _, source := range reg.Sources {
		if !slices.Contains(reg.Dialects, source.Dialect) {
			continue
		}
		if err := fn(ctx, source.Dialect, reg.Label, source.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s from %s: %w", source.Dialect, source.Path, err)
		}
	}
	return reg, nil
}

// Apply registers the migrations for dialect on the persistence client and
// runs them.
func Apply(ctx context.Context, client *persistence.Client, dialect string, opts ...Option) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	dialect = normalizeDialect(dialect)
	opts = append([]Option{WithDialects(dialect)}, opts...)
	registered := 0
	if _, err := Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		registered++
		return nil
	}, opts...); err != nil {
		return err
	}
	if registered == 0 {
		return fmt.Errorf("migrations: no migrations for dialect %q", dialect)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: migrate %s: %w", dialect, err)
	}
	return nil
}

// DialectForDriver maps a database/sql driver name to a migration dialect.
func DialectForDriver(driver string) string {
	switch normalizeDialect(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return DialectPostgres
	}
}

func locateRoot(root fs.FS) (fs.FS, string, error) {
	if sub, err := fs.Sub(root, embeddedRoot); err == nil {
		if _, statErr := fs.Stat(sub, "."); statErr == nil {
			return sub, embeddedRoot, nil
		}
	}
	if ups, err := fs.Glob(root, "*.sql"); err == nil && len(ups) > 0 {
		return root, ".", nil
	}
	return nil, "", fmt.Errorf("migrations: %s not found", embeddedRoot)
}

func normalizeDialect(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = normalizeDialect(value); value != "" && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}
