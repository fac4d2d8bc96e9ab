package ts3full

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestGenerateIdentity verifies that a new identity reaches the requested level.
func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity(context.Background(), 8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id.SecurityLevel(), 8)
	assert.GreaterOrEqual(t, id.LastCheckedKeyOffset, id.ValidKeyOffset)

	uid, err := base64.StdEncoding.DecodeString(id.UID())
	require.NoError(t, err)
	assert.Len(t, uid, 20)
}

// TestImproveSecurityResumes verifies that the level never decreases and
// that cancellation keeps the progress.
func TestImproveSecurityResumes(t *testing.T) {
	id := newTestIdentity(t)
	require.NoError(t, ImproveSecurity(context.Background(), id, 4))
	level := id.SecurityLevel()
	offset := id.ValidKeyOffset

	require.NoError(t, ImproveSecurity(context.Background(), id, 2))
	assert.Equal(t, offset, id.ValidKeyOffset, "already good enough")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ImproveSecurity(ctx, id, 60)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, id.SecurityLevel(), level)
}

// TestSecurityLevelCounting verifies the bit order servers use.
func TestSecurityLevelCounting(t *testing.T) {
	assert.Equal(t, 0, leadingZeroBits([]byte{0x01}))
	assert.Equal(t, 1, leadingZeroBits([]byte{0x02}))
	assert.Equal(t, 7, leadingZeroBits([]byte{0x80}))
	assert.Equal(t, 8, leadingZeroBits([]byte{0x00, 0x01}))
	assert.Equal(t, 12, leadingZeroBits([]byte{0x00, 0x10, 0xFF}))
	assert.Equal(t, 16, leadingZeroBits([]byte{0x00, 0x00}))
}

// TestIdentityExportImport verifies all three key export forms.
func TestIdentityExportImport(t *testing.T) {
	id := newTestIdentity(t)
	id.ValidKeyOffset = 42

	full, err := id.ExportKey()
	require.NoError(t, err)
	loaded, err := LoadIdentity(full, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyString(), loaded.PublicKeyString())
	assert.Equal(t, id.PrivateKey.Bytes(), loaded.PrivateKey.Bytes())
	assert.Equal(t, uint64(100), loaded.LastCheckedKeyOffset)
	assert.Equal(t, id.UID(), loaded.UID())

	privOnly, err := ExportPrivateKey(id.PrivateKey)
	require.NoError(t, err)
	restored, err := LoadIdentity(privOnly, 42, 0)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyString(), restored.PublicKeyString(), "public point restored from the scalar")
	assert.Equal(t, uint64(42), restored.LastCheckedKeyOffset)

	_, err = LoadIdentity(id.PublicKeyString(), 0, 0)
	assert.ErrorIs(t, err, ErrNoIdentity)

	pub, err := importPublicKey(mustDecode(t, id.PublicKeyString()))
	require.NoError(t, err)
	assert.True(t, pub.Equal(id.PublicKey))
}

// TestIdentityImportRejectsGarbage verifies key parsing errors.
func TestIdentityImportRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not base64", "%%%"},
		{"not der", base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"empty sequence", base64.StdEncoding.EncodeToString([]byte{0x30, 0x00})},
		{"trailing data", base64.StdEncoding.EncodeToString([]byte{0x30, 0x00, 0x00})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadIdentity(tt.key, 0, 0)
			assert.Error(t, err)
		})
	}
}

// TestPublicKeyFormat verifies the DER layout of an exported public key.
func TestPublicKeyFormat(t *testing.T) {
	der := mustDecode(t, newTestIdentity(t).PublicKeyString())
	require.Equal(t, byte(0x30), der[0], "SEQUENCE")
	// BIT STRING of one byte with 7 unused bits, flag 0x00
	assert.Equal(t, []byte{0x03, 0x02, 0x07, 0x00}, der[2:6])
	// INTEGER 32
	assert.Equal(t, []byte{0x02, 0x01, 0x20}, der[6:9])
}

func TestHashPassword(t *testing.T) {
	assert.Equal(t, "", HashPassword(""))
	assert.Equal(t, "5en6G6MezRroT3XKqkdPOmY/BfQ=", HashPassword("secret"))
}

// TestIdentityFile verifies YAML persistence.
func TestIdentityFile(t *testing.T) {
	id := newTestIdentity(t)
	id.ValidKeyOffset = 7
	id.LastCheckedKeyOffset = 9
	path := filepath.Join(t.TempDir(), "identity.yaml")

	require.NoError(t, SaveIdentityFile(path, id, "tester"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var f IdentityFile
	require.NoError(t, yaml.Unmarshal(raw, &f))
	assert.Equal(t, "tester", f.Nickname)
	assert.Equal(t, uint64(7), f.KeyOffset)

	loaded, file, err := LoadIdentityFile(path)
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyString(), loaded.PublicKeyString())
	assert.Equal(t, uint64(7), loaded.ValidKeyOffset)
	assert.Equal(t, uint64(9), loaded.LastCheckedKeyOffset)
	assert.Equal(t, "tester", file.Nickname)

	_, _, err = LoadIdentityFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return b
}
