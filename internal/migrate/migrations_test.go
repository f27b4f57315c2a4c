package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govline/internal/db"
)

func TestMigrationsLoadForBothDialects(t *testing.T) {
	lite, err := loadMigrations(db.SQLite)
	require.NoError(t, err)
	pg, err := loadMigrations(db.Postgres)
	require.NoError(t, err)
	require.Len(t, pg, len(lite))
	for i := range lite {
		assert.Equal(t, lite[i].Version, pg[i].Version)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn, dialect))
	require.NoError(t, Migrate(conn, dialect))
	v, err := Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestLegacyVerdictsAreRewritten(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, dialect))

	_, err = conn.Exec(`INSERT INTO directives(id,title,status,phase,type,created_by,created_at,updated_at) VALUES ('d1','t','active','LEAD','feature','x','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)
	legacy := map[string]string{"v1": "APPROVED", "v2": "PASS_WITH_CONDITIONS", "v3": "BLOCKED", "v4": "PASS", "v5": "pass"}
	for id, verdict := range legacy {
		_, err = conn.Exec(`INSERT INTO sub_agent_verdicts(id,directive_id,agent_code,verdict,confidence,created_at) VALUES (?,?,?,?,?,?)`,
			id, "d1", "TESTING", verdict, 90, "2024-01-01T00:00:00Z")
		require.NoError(t, err)
	}
	_, err = conn.Exec(`UPDATE schema_version SET version=1`)
	require.NoError(t, err)
	require.NoError(t, Migrate(conn, dialect))

	want := map[string]string{"v1": "pass", "v2": "conditional_pass", "v3": "fail", "v4": "pass", "v5": "pass"}
	for id, verdict := range want {
		var got string
		require.NoError(t, conn.QueryRow(`SELECT verdict FROM sub_agent_verdicts WHERE id=?`, id).Scan(&got))
		assert.Equal(t, verdict, got, id)
	}
}

func TestContributionInvariantEnforcedBySchema(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, dialect))

	_, err = conn.Exec(`INSERT INTO directives(id,title,status,phase,type,created_by,created_at,updated_at) VALUES ('d1','t','active','LEAD','feature','x','now','now')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO phase_contributions(directive_id,phase_name,weight,computed_progress,is_complete,ordinal,updated_at) VALUES ('d1','p',100,40,1,0,'now')`)
	assert.Error(t, err, "complete phase below 100 must be rejected")
	_, err = conn.Exec(`INSERT INTO phase_contributions(directive_id,phase_name,weight,computed_progress,is_complete,ordinal,updated_at) VALUES ('d1','p',100,40,0,0,'now')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO phase_contributions(directive_id,phase_name,weight,computed_progress,is_complete,ordinal,updated_at) VALUES ('d1','p',100,0,0,1,'now')`)
	assert.Error(t, err, "one row per directive and phase")
}
