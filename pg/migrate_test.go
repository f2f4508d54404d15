package pg

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsSortedByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/V003__add_index.sql":    {Data: []byte("CREATE INDEX c ON t(c);")},
		"migrations/V001__create_table.sql": {Data: []byte("CREATE TABLE t (id INT);")},
		"migrations/V002__add_column.sql":   {Data: []byte("ALTER TABLE t ADD c TEXT;")},
	}

	migs, err := loadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migs, 3)

	require.Equal(t, 1, migs[0].Version)
	require.Equal(t, "create_table", migs[0].Name)
	require.Equal(t, 2, migs[1].Version)
	require.Equal(t, 3, migs[2].Version)

	// checksum is over the exact file bytes
	require.Len(t, migs[0].Checksum, 64)
	require.NotEqual(t, migs[0].Checksum, migs[1].Checksum)
}

func TestLoadMigrationsRejectsMalformedNames(t *testing.T) {
	bad := []string{
		"migrations/V1__short_version.sql",
		"migrations/V001_single_underscore.sql",
		"migrations/V001__MixedCase.sql",
		"migrations/001__no_prefix.sql",
		"migrations/V001__desc.txt",
	}
	for _, name := range bad {
		fsys := fstest.MapFS{name: {Data: []byte("SELECT 1;")}}
		_, err := loadMigrations(fsys, "migrations")
		require.Error(t, err, "name %s", name)
	}
}

func TestLoadMigrationsRejectsDuplicateVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/V001__first.sql":  {Data: []byte("SELECT 1;")},
		"migrations/V001__second.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := loadMigrations(fsys, "migrations")
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate migration version")
}

func TestLoadMigrationsIgnoresDirectories(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/V001__init.sql":    {Data: []byte("SELECT 1;")},
		"migrations/archive/notes.txt": {Data: []byte("old")},
	}
	migs, err := loadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migs, 1)
}

func TestVersionTag(t *testing.T) {
	require.Equal(t, "V001", versionTag(1))
	require.Equal(t, "V042", versionTag(42))
	require.Equal(t, "V100", versionTag(100))
}

func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	migs, err := loadMigrations(migrationFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	require.Equal(t, 1, migs[0].Version)
}
