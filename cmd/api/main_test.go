package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/database"
	"github.com/Wikid82/cerberus/internal/evidence"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCerberusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.pem")

	out, err := execute(t, "keygen", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ed25519:")
	assert.FileExists(t, path)
	assert.FileExists(t, path+".pub")

	signer, err := signing.LoadOrCreate(path)
	require.NoError(t, err)
	assert.Contains(t, out, signer.Identity())

	// never overwrites an existing key
	_, err = execute(t, "keygen", "--out", path)
	assert.Error(t, err)
}

// seedBundle records one decision into the database at dbPath, signed with the key at keyPath.
func seedBundle(t *testing.T, dbPath, keyPath string) string {
	t.Helper()
	db, err := database.Connect(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.LogEntry{}, &models.BundleIndex{}, &models.EvidenceBlob{}))
	signer, err := signing.LoadOrCreate(keyPath)
	require.NoError(t, err)

	repo := evidence.NewRepository(evidence.NewGormBlobStore(db), db)
	sub := evidence.NewSubmitter(repo, transparency.NewLog(db), signer, evidence.Options{})
	sub.Start()
	d := models.Decision{
		ID:        uuid.NewString(),
		Timestamp: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		ClientKey: "203.0.113.50",
		Outcome:   models.OutcomeAllowed,
		Reason:    "within limits",
	}
	sub.Submit(d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sub.Shutdown(ctx))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	hash, err := evidence.ContentHash(d)
	require.NoError(t, err)
	return hash.String()
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cerberus.db")
	keyPath := filepath.Join(dir, "signing.pem")
	id := seedBundle(t, dbPath, keyPath)

	t.Setenv("CERBERUS_DB_PATH", dbPath)
	t.Setenv("CERBERUS_SIGNING_KEY_PATH", keyPath)

	out, err := execute(t, "verify", id)
	require.NoError(t, err)
	assert.Contains(t, out, `"verified": true`)

	// a different key does not verify the bundle
	otherPath := filepath.Join(dir, "other.pem")
	_, err = execute(t, "keygen", "--out", otherPath)
	require.NoError(t, err)
	out, err = execute(t, "verify", id, "--public-key", otherPath+".pub")
	assert.ErrorIs(t, err, errNotVerified)
	assert.Contains(t, out, "signature mismatch")

	_, err = execute(t, "verify", "0000")
	assert.ErrorIs(t, err, evidence.ErrBundleNotFound)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Cerberus")
}
