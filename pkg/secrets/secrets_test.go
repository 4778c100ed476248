package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox("master-key", "ws_1")
	require.NoError(t, err)

	blob, err := box.Seal([]byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")

	got, err := box.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))
}

func TestWorkspaceKeysDiffer(t *testing.T) {
	a, err := NewBox("master-key", "ws_a")
	require.NoError(t, err)
	b, err := NewBox("master-key", "ws_b")
	require.NoError(t, err)

	blob, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(blob)
	assert.Error(t, err)
}

func TestMissingMasterKey(t *testing.T) {
	_, err := NewBox("", "ws_1")
	assert.ErrorIs(t, err, ErrNoMasterKey)
}

func TestShortCiphertext(t *testing.T) {
	box, err := NewBox("master-key", "ws_1")
	require.NoError(t, err)
	_, err = box.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestTamperedBlobRejected(t *testing.T) {
	box, err := NewBox("master-key", "ws_1")
	require.NoError(t, err)
	blob, err := box.Seal([]byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	_, err = box.Open(blob)
	assert.Error(t, err)
}
