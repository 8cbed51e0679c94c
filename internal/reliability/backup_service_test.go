package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/database"
)

type fakeStore struct {
	objects []RemoteObject
	uploads []string
	deletes []string
	listErr error
}

func (f *fakeStore) Upload(_ context.Context, key string, body io.Reader) error {
	_, _ = io.Copy(io.Discard, body)
	f.uploads = append(f.uploads, key)
	return nil
}

func (f *fakeStore) List(_ context.Context) ([]RemoteObject, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.objects, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.deletes = append(f.deletes, key)
	return nil
}

func newTestBackupService(t *testing.T, store ObjectStore, policy RotationPolicy) *BackupService {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "folio.db"),
		Profile: database.ProfileStandard,
		Name:    "folio",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.EnsureCoreSchema(db))
	return NewBackupService(db, store, policy, zerolog.Nop())
}

func TestCreateArchive_ContainsSnapshotAndMetadata(t *testing.T) {
	svc := newTestBackupService(t, nil, RotationPolicy{})
	dest := t.TempDir()

	archivePath, err := svc.CreateArchive(dest)
	require.NoError(t, err)
	require.FileExists(t, archivePath)

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	assert.Contains(t, names, "folio.db")
	assert.Contains(t, names, "backup-metadata.json")
}

func TestRun_UploadsAndRemovesLocalArchive(t *testing.T) {
	store := &fakeStore{}
	svc := newTestBackupService(t, store, RotationPolicy{MinKeep: 3})
	work := t.TempDir()

	require.NoError(t, svc.Run(context.Background(), work))
	require.Len(t, store.uploads, 1)
	assert.Contains(t, store.uploads[0], "folio-backup-")

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRotate_KeepsMinimumRegardlessOfAge(t *testing.T) {
	old := time.Now().AddDate(0, 0, -90)
	store := &fakeStore{objects: []RemoteObject{
		{Key: "a", LastModified: old},
		{Key: "b", LastModified: old},
		{Key: "c", LastModified: old},
	}}
	svc := newTestBackupService(t, store, RotationPolicy{RetentionDays: 30, MinKeep: 3})

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Empty(t, store.deletes)
}

func TestRotate_DeletesOnlyExpiredBeyondMinimum(t *testing.T) {
	now := time.Now()
	store := &fakeStore{objects: []RemoteObject{
		{Key: "ancient-1", LastModified: now.AddDate(0, 0, -90)},
		{Key: "ancient-2", LastModified: now.AddDate(0, 0, -60)},
		{Key: "recent-1", LastModified: now.AddDate(0, 0, -5)},
		{Key: "recent-2", LastModified: now.AddDate(0, 0, -2)},
		{Key: "recent-3", LastModified: now.AddDate(0, 0, -1)},
	}}
	svc := newTestBackupService(t, store, RotationPolicy{RetentionDays: 30, MinKeep: 3})

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Equal(t, []string{"ancient-1", "ancient-2"}, store.deletes)
}

func TestRotate_FreshArchivesSurvive(t *testing.T) {
	now := time.Now()
	store := &fakeStore{objects: []RemoteObject{
		{Key: "a", LastModified: now.AddDate(0, 0, -4)},
		{Key: "b", LastModified: now.AddDate(0, 0, -3)},
		{Key: "c", LastModified: now.AddDate(0, 0, -2)},
		{Key: "d", LastModified: now.AddDate(0, 0, -1)},
	}}
	svc := newTestBackupService(t, store, RotationPolicy{RetentionDays: 30, MinKeep: 3})

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Empty(t, store.deletes)
}
