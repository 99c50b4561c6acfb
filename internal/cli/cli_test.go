package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tazhate/calsync/internal/crypto"
	"github.com/tazhate/calsync/internal/domain"
	"github.com/tazhate/calsync/internal/storage"
)

const testKey = "0123456789abcdef0123456789abcdef"

func setupEnv(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "calsync.db")
	t.Setenv("CALSYNC_CONFIG", "")
	t.Setenv("DATABASE_PATH", dbPath)
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("OAUTH_CLIENT_ID", "client")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("LOG_LEVEL", "error")
	return dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUserCompanyConnect(t *testing.T) {
	dbPath := setupEnv(t)

	out, err := execute(t, "user", "add", "--name", "Alex", "--email", "alex@example.com")
	require.NoError(t, err)
	userID := strings.TrimSpace(out)
	assert.Equal(t, "1", userID)

	_, err = execute(t, "company", "add", "--user", userID, "--name", "Acme", "--founded", "2019-11-10")
	require.NoError(t, err)

	out, err = execute(t, "connect", "--user", userID, "--refresh-token", "rt-1", "--calendar", "work", "--timezone", "Europe/Berlin")
	require.NoError(t, err)
	assert.Contains(t, out, "connected")

	store, err := storage.New(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id, _ := strconv.ParseInt(userID, 10, 64)

	companies, err := store.ListCompanies(ctx, id)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.Equal(t, "2019-11-10", companies[0].FoundedOn.Format(domain.DateLayout))

	cred, err := store.GetCredential(ctx, id)
	require.NoError(t, err)
	require.True(t, cred.IsConnected())
	assert.Equal(t, "work", cred.CalendarID)
	assert.Equal(t, "Europe/Berlin", cred.TimeZone)
	assert.True(t, cred.Expiry.Before(time.Now()))

	enc, err := crypto.NewEncryptor(testKey)
	require.NoError(t, err)
	plain, err := enc.Decrypt(cred.RefreshTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", plain)
}

func TestConnect_UnknownUser(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "connect", "--user", "42", "--refresh-token", "rt")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_NotConnected(t *testing.T) {
	setupEnv(t)
	_, err := execute(t, "user", "add", "--name", "Alex")
	require.NoError(t, err)

	out, err := execute(t, "sync", "--user", "1")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "auth")
}

func TestSync_InvalidFlags(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "sync", "--user", "1", "--type", "weekly")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "sync", "--user", "0")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncOptions_ToDomain(t *testing.T) {
	opts := &SyncOptions{SyncType: "regular", From: "2026-10-01", To: "2026-10-31"}

	got, err := opts.toDomain(time.UTC)

	require.NoError(t, err)
	assert.Equal(t, domain.SyncTypeRegular, got.SyncType)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), got.TimeMin)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), got.TimeMax)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", errors.New("y"))))
}
