package idempotency

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUnknownKeyProceeds(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "idem.json"))
	require.NoError(t, err)

	d := s.Check("k1", "abc123")
	assert.Equal(t, Proceed, d.Status)
	assert.Empty(t, d.OriginalEvidencePath)
}

func TestSuppressionAndConflict(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "idem.json"))
	require.NoError(t, err)

	require.NoError(t, s.Record("k1", "hash-a", "artifacts/send/r1/runs/x/evidence.json", 1_700_000_000_000))

	// Same key, same payload hash: suppressed with the original path.
	d := s.Check("k1", "hash-a")
	assert.Equal(t, Suppressed, d.Status)
	assert.Equal(t, "artifacts/send/r1/runs/x/evidence.json", d.OriginalEvidencePath)

	// Same key, different payload hash: conflict.
	d = s.Check("k1", "hash-b")
	assert.Equal(t, Conflict, d.Status)
	assert.Empty(t, d.OriginalEvidencePath)
}

func TestRecordPersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "idem.json")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Record("k1", "hash-a", "evidence.json", 42))

	s2, err := Open(path)
	require.NoError(t, err)
	d := s2.Check("k1", "hash-a")
	assert.Equal(t, Suppressed, d.Status)
	assert.Equal(t, 1, s2.Len())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "no temp residue after save")
}

func TestFirstRecordWins(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "idem.json"))
	require.NoError(t, err)

	require.NoError(t, s.Record("k1", "hash-a", "first.json", 1))
	require.NoError(t, s.Record("k1", "hash-z", "second.json", 2))

	d := s.Check("k1", "hash-a")
	assert.Equal(t, Suppressed, d.Status)
	assert.Equal(t, "first.json", d.OriginalEvidencePath)
}

func TestEmptyKeyIsNeverStored(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "idem.json"))
	require.NoError(t, err)

	assert.Equal(t, Proceed, s.Check("", "hash-a").Status)
	require.NoError(t, s.Record("", "hash-a", "evidence.json", 1))
	assert.Equal(t, 0, s.Len())
}

func TestOpenCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idem.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	_, err := Open(path)
	assert.Error(t, err, "corrupt store must not silently reset")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "proceed", Proceed.String())
	assert.Equal(t, "suppressed", Suppressed.String())
	assert.Equal(t, "conflict", Conflict.String())
}
