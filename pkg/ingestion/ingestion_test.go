// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ingestion

import (
	"archive/zip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	ShowProgressBar = false
}

func TestDriveFileID(t *testing.T) {
	id, ok := DriveFileID("https://drive.google.com/file/d/1z0mreUtRmR-P-magILsDR3T7M6IkGXtY/view?usp=sharing")
	require.True(t, ok)
	assert.Equal(t, "1z0mreUtRmR-P-magILsDR3T7M6IkGXtY", id)

	id, ok = DriveFileID("https://drive.google.com/file/d/abc/view")
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	for _, notDrive := range []string{
		"https://example.com/file/d/abc/view",
		"https://drive.google.com/drive/folders/xyz",
		"https://drive.google.com/",
		"::not a url",
	} {
		_, ok = DriveFileID(notDrive)
		assert.False(t, ok, notDrive)
	}
}

func TestDownloadURL(t *testing.T) {
	u, err := DownloadURL("https://drive.google.com/file/d/abc/view?usp=sharing")
	require.NoError(t, err)
	assert.Equal(t, DriveDownloadEndpoint+"abc", u)

	u, err = DownloadURL("https://example.com/data/dataset.zip")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/data/dataset.zip", u)

	_, err = DownloadURL("ftp://example.com/dataset.zip")
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	content := []byte("some archive bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/dataset.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	localPath := filepath.Join(dir, "nested", "data.zip")
	size, err := Fetch(context.Background(), server.URL+"/dataset.zip", localPath)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = Fetch(context.Background(), server.URL+"/missing.zip", filepath.Join(dir, "missing.zip"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Fetch(ctx, server.URL+"/dataset.zip", filepath.Join(dir, "cancelled.zip"))
	assert.ErrorIs(t, err, context.Canceled)
}

// writeZip creates a zip archive with the given entries (name -> content).
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, content := range entries {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "data.zip")
	writeZip(t, archive, map[string]string{
		"dataset/cats/1.jpg": "cat",
		"dataset/dogs/1.jpg": "dog",
		"dataset/dogs/2.jpg": "dog2",
	})
	target := filepath.Join(dir, "unzipped")
	n, err := Extract(archive, target)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	got, err := os.ReadFile(filepath.Join(target, "dataset", "dogs", "2.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "dog2", string(got))

	// Extracting again overwrites.
	n, err = Extract(archive, target)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestExtractCorrupt(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "data.zip")
	require.NoError(t, os.WriteFile(archive, []byte("<html>this is not a zip file</html>"), 0o644))
	_, err := Extract(archive, filepath.Join(dir, "unzipped"))
	require.Error(t, err)
	assert.ErrorIs(t, err, zip.ErrFormat)

	_, err = Extract(filepath.Join(dir, "missing.zip"), filepath.Join(dir, "unzipped"))
	require.Error(t, err)
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../escaped.txt": "gotcha"})
	_, err := Extract(archive, filepath.Join(dir, "unzipped"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escaped.txt"))
}

func TestPackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "model")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "checkpoint.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "data.bin"), []byte{1, 2, 3}, 0o644))

	archive := filepath.Join(dir, "out", "model.zip")
	require.NoError(t, Pack(src, archive))
	n, err := Extract(archive, filepath.Join(dir, "restored"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err := os.ReadFile(filepath.Join(dir, "restored", "sub", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}
