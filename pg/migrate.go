package pg

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Advisory lock key serializing migration application across workers
// starting against the same queue store. Released explicitly after
// migration, and by the server at session end if the process dies mid-way.
const migrateLockKey = int64(0x464c4f5751) // "FLOWQ"

var migrationNameRe = regexp.MustCompile(`^V(\d{3})__([a-z0-9_]+)\.sql$`)

type migration struct {
	Version  int
	Name     string
	Script   string
	Checksum string
}

// Migrate applies any pending versioned migrations in ascending order, each
// in its own transaction, under a session-level advisory lock. The registry
// records a SHA-256 checksum per script; a checksum mismatch on an
// already-applied migration means the script was edited after the fact and
// aborts startup. Returns the version tags applied in this run.
func (p *Provider) Migrate(ctx context.Context) ([]string, error) {
	migs, err := loadMigrations(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, &StoreUnavailableError{Store: p.cfg.Name, Attempts: 1, Err: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrateLockKey); err != nil {
		return nil, &StoreUnavailableError{Store: p.cfg.Name, Attempts: 1, Err: err}
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrateLockKey)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   CHAR(64) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, &StoreError{Store: p.cfg.Name, Kind: "migration_registry", Err: err}
	}

	applied := make(map[int]string)
	rows, err := conn.Query(ctx, "SELECT version, checksum FROM schema_version")
	if err != nil {
		return nil, &StoreError{Store: p.cfg.Name, Kind: "migration_registry", Err: err}
	}
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return nil, &StoreError{Store: p.cfg.Name, Kind: "migration_registry", Err: err}
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Store: p.cfg.Name, Kind: "migration_registry", Err: err}
	}

	var appliedNow []string
	for _, m := range migs {
		if sum, ok := applied[m.Version]; ok {
			if sum != m.Checksum {
				return nil, &StoreError{
					Store: p.cfg.Name,
					Kind:  "checksum_mismatch",
					Err: fmt.Errorf("%w: %s recorded %s, script is %s",
						ErrChecksumMismatch, versionTag(m.Version), sum, m.Checksum),
				}
			}
			continue
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return nil, &StoreUnavailableError{Store: p.cfg.Name, Attempts: 1, Err: err}
		}
		if _, err := tx.Exec(ctx, m.Script); err != nil {
			tx.Rollback(ctx)
			return nil, &StoreError{Store: p.cfg.Name, Kind: "migration_failed", Err: fmt.Errorf("%s: %w", versionTag(m.Version), err)}
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_version (version, name, checksum) VALUES ($1, $2, $3)",
			m.Version, m.Name, m.Checksum); err != nil {
			tx.Rollback(ctx)
			return nil, &StoreError{Store: p.cfg.Name, Kind: "migration_registry", Err: err}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, &StoreUnavailableError{Store: p.cfg.Name, Attempts: 1, Err: err}
		}

		p.logger.Info().LogActivity("Migration applied", map[string]any{
			"store":   p.cfg.Name,
			"version": versionTag(m.Version),
			"name":    m.Name,
		})
		appliedNow = append(appliedNow, versionTag(m.Version))
	}

	return appliedNow, nil
}

// loadMigrations reads V{nnn}__{snake_description}.sql files from the
// filesystem and returns them sorted by ascending version. Duplicate
// versions and malformed names fail loudly rather than being skipped.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir: %w", err)
	}

	seen := make(map[int]string)
	var migs []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("migration file %q does not match V{nnn}__{snake_description}.sql", e.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration file %q: %w", e.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		script, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(script)
		migs = append(migs, migration{
			Version:  version,
			Name:     m[2],
			Script:   string(script),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}

func versionTag(version int) string {
	return fmt.Sprintf("V%03d", version)
}
