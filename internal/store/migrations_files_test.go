package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		require.Falsef(t, byVersion[version][direction], "duplicate %s migration file for version %s", direction, version)
		byVersion[version][direction] = true
	}

	require.NotEmpty(t, byVersion, "no migrations discovered")
	for version, dirs := range byVersion {
		require.Truef(t, dirs["up"] && dirs["down"], "version %s must include both up and down files", version)
	}
}

func TestMigrationsCreateEveryRecordTable(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0001_exhibit_tree.up.sql"))
	require.NoError(t, err)
	sqlText := string(sqlBytes)

	for _, kind := range Kinds {
		require.Containsf(t, sqlText, "CREATE TABLE IF NOT EXISTS "+kind.Table()+" (", "missing table for %s", kind)
		if column := kind.ParentColumn(); column != "" {
			require.Contains(t, sqlText, column+" UUID NOT NULL")
		}
	}
	require.Contains(t, sqlText, "hero_image")
	require.Contains(t, sqlText, "is_preview")
}

func TestPendingCandidatesSortsUpFilesOnly(t *testing.T) {
	migrations := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("SELECT 2")},
		"0001_a.up.sql":   {Data: []byte("SELECT 1")},
		"0001_a.down.sql": {Data: []byte("SELECT 0")},
		"README.md":       {Data: []byte("notes")},
		"nested/x.up.sql": {Data: []byte("SELECT 3")},
	}

	versions, err := pendingCandidates(migrations)
	require.NoError(t, err)
	require.Equal(t, []string{"0001_a.up.sql", "0002_b.up.sql"}, versions)
	for _, version := range versions {
		require.True(t, strings.HasSuffix(version, ".up.sql"))
	}
}
