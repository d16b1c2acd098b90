package workflow

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	require.NoError(t, err)

	def := validDefinition()
	saved, err := s.Save(def)
	require.NoError(t, err)
	require.Equal(t, 1, saved.Metadata.Version)
	require.NotEmpty(t, saved.Metadata.CreatedAt)

	// Reload from disk into a fresh store instance.
	s2, err := NewStore(dir, nil)
	require.NoError(t, err)
	loaded, ok := s2.Get(def.ID)
	require.True(t, ok)
	require.Equal(t, def.ID, loaded.ID)

	require.NoError(t, s2.Delete(def.ID))
	_, ok = s2.Get(def.ID)
	require.False(t, ok)
}

func TestStore_SaveBumpsVersionOnEachSave(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	require.NoError(t, err)

	def := validDefinition()
	first, err := s.Save(def)
	require.NoError(t, err)
	require.Equal(t, 1, first.Metadata.Version)

	second, err := s.Save(first)
	require.NoError(t, err)
	require.Equal(t, 2, second.Metadata.Version)
}

func TestStore_ImportMintsNewID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	require.NoError(t, err)

	def := validDefinition()
	exported, err := s.Save(def)
	require.NoError(t, err)

	raw, err := s.Export(exported.ID)
	require.NoError(t, err)

	imported, err := s.Import(raw)
	require.NoError(t, err)
	require.NotEqual(t, exported.ID, imported.ID)
	require.GreaterOrEqual(t, imported.Metadata.Version, 1)
}

func TestStore_LoadDiscardsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/broken.json", []byte("{not json"), 0o644))

	s, err := NewStore(dir, nil)
	require.NoError(t, err)
	require.Empty(t, s.List())
}
