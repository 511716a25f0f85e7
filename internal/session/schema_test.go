package session

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Guards against drift between the repository's column lists and the DDL
// the migrations actually apply: a column selected or inserted here must
// exist in the migrated table.
func TestRepositoryColumnsExistInMigration(t *testing.T) {
	raw, err := os.ReadFile("../store/migrations/00001_sessions.sql")
	require.NoError(t, err)
	ddl := string(raw)

	sessions := ddlColumns(t, ddl, "class_sessions")
	for _, col := range splitColumnList(sessionColumns) {
		assert.Contains(t, sessions, col, "class_sessions does not define column %q used by the repository", col)
	}

	records := ddlColumns(t, ddl, "attendance_records")
	for _, col := range splitColumnList(attendanceColumns) {
		assert.Contains(t, records, col, "attendance_records does not define column %q used by the repository", col)
	}
}

func TestCreateSessionReturnsGeneratedID(t *testing.T) {
	st := newMemStore()
	created, err := st.CreateSession(context.Background(), Session{
		ClassInstanceID: "ci-1",
		ProfessorID:     "prof-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, StatusScheduled, created.Status)

	loaded, err := st.LoadSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ci-1", loaded.ClassInstanceID)
}

// ddlColumns returns the column names defined in the CREATE TABLE block for
// table inside the migration source.
func ddlColumns(t *testing.T, ddl, table string) map[string]struct{} {
	t.Helper()
	marker := "CREATE TABLE IF NOT EXISTS " + table + " ("
	start := strings.Index(ddl, marker)
	require.GreaterOrEqual(t, start, 0, "table %s not found in migration", table)
	body := ddl[start+len(marker):]
	end := strings.Index(body, "\n);")
	require.GreaterOrEqual(t, end, 0)

	cols := make(map[string]struct{})
	for _, line := range strings.Split(body[:end], "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "CONSTRAINT", "PRIMARY", "FOREIGN", "UNIQUE", "CHECK":
			continue
		}
		cols[fields[0]] = struct{}{}
	}
	return cols
}

func splitColumnList(list string) []string {
	parts := strings.Split(list, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
