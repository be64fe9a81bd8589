package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rnnodes/convoybot/convoybot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")
	linkPath := filepath.Join(tempDir, "linked_accounts.json")
	invitePath := filepath.Join(tempDir, "invite_counts.json")
	poolPath := filepath.Join(tempDir, "ips.txt")

	os.Setenv("CONVOY_DATABASE", dbPath)
	os.Setenv("CONVOY_FILES_LINKED_ACCOUNTS", linkPath)
	os.Setenv("CONVOY_FILES_INVITE_COUNTS", invitePath)
	os.Setenv("CONVOY_FILES_IP_POOL", poolPath)
	t.Cleanup(
		func() {
			os.Unsetenv("CONVOY_DATABASE")
			os.Unsetenv("CONVOY_FILES_LINKED_ACCOUNTS")
			os.Unsetenv("CONVOY_FILES_INVITE_COUNTS")
			os.Unsetenv("CONVOY_FILES_IP_POOL")
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Initialization complete")

	for _, path := range []string{linkPath, invitePath, poolPath} {
		_, statErr := os.Stat(path)
		assert.NoErrorf(t, statErr, "%s should exist", path)
	}

	linkData, err := os.ReadFile(linkPath)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(linkData))

	poolData, err := os.ReadFile(poolPath)
	require.NoError(t, err)
	assert.Contains(t, string(poolData), "# Add one IP address per line")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&convoybot.VPSAuditEntry{}))
}
