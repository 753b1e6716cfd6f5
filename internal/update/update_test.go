package update

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewerVersion(t *testing.T) {
	cases := []struct {
		name    string
		latest  string
		current string
		want    bool
	}{
		{"patch newer", "0.3.6", "0.3.5", true},
		{"equal", "0.3.5", "0.3.5", false},
		{"patch older", "0.3.4", "0.3.5", false},
		{"minor newer", "0.4.0", "0.3.9", true},
		{"major newer", "1.0.0", "0.9.9", true},
		{"v prefixes stripped", "v0.4.0", "v0.3.0", true},
		{"dev suffix same base", "0.3.5", "0.3.5-2-gca711a8-dirty", false},
		{"dev suffix older base", "0.3.6", "0.3.5-2-gca711a8-dirty", true},
		{"longer latest wins ties", "0.4.1", "0.4", true},
		{"shorter latest loses ties", "0.4", "0.4.1", false},
		{"dev build always behind releases", "0.1.0", "dev", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, newerVersion(tc.latest, tc.current))
		})
	}
}

func releaseServer(t *testing.T, release Release) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.github.v3+json", r.Header.Get("Accept"))
		require.NoError(t, json.NewEncoder(w).Encode(release))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheck_ReportsAvailableRelease(t *testing.T) {
	srv := releaseServer(t, Release{
		TagName:     "v9.9.9",
		PublishedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		Body:        "bug fixes",
		Assets: []Asset{
			{Name: archiveName("9.9.9"), BrowserDownloadURL: "https://dl.example/archive"},
			{Name: "checksums.txt", BrowserDownloadURL: "https://dl.example/sums"},
			{Name: "checksums.txt.sigstore.json", BrowserDownloadURL: "https://dl.example/bundle"},
		},
	})

	u := New("0.1.0")
	u.apiURL = srv.URL

	info, err := u.Check(context.Background())
	require.NoError(t, err)

	assert.True(t, info.Available)
	assert.Equal(t, "0.1.0", info.CurrentVersion)
	assert.Equal(t, "9.9.9", info.LatestVersion)
	assert.Equal(t, "bug fixes", info.ReleaseNotes)
	assert.Equal(t, "https://dl.example/archive", info.DownloadURL)
	assert.Equal(t, "https://dl.example/sums", info.ChecksumsURL)
	assert.Equal(t, "https://dl.example/bundle", info.BundleURL)
}

func TestCheck_UpToDate(t *testing.T) {
	srv := releaseServer(t, Release{TagName: "v0.3.0"})

	u := New("0.3.0")
	u.apiURL = srv.URL

	info, err := u.Check(context.Background())
	require.NoError(t, err)

	assert.False(t, info.Available)
	assert.Empty(t, info.DownloadURL)
}

func TestCheck_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	u := New("0.1.0")
	u.apiURL = srv.URL

	_, err := u.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestVerifyChecksum(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "release.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive payload"), 0600))

	sum := sha256.Sum256([]byte("archive payload"))
	sums := filepath.Join(dir, "checksums.txt")
	content := "deadbeef  unrelated.tar.gz\n" +
		hex.EncodeToString(sum[:]) + "  " + archiveName("1.2.3") + "\n"
	require.NoError(t, os.WriteFile(sums, []byte(content), 0600))

	require.NoError(t, verifyChecksum(archive, sums, "1.2.3"))

	err := verifyChecksum(archive, sums, "9.9.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no checksum entry")

	bad := "0000000000000000000000000000000000000000000000000000000000000000  " + archiveName("1.2.3") + "\n"
	require.NoError(t, os.WriteFile(sums, []byte(bad), 0600))
	err = verifyChecksum(archive, sums, "1.2.3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

func TestExtractArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "release.tar.gz")
	writeArchive(t, archive, map[string]string{
		"lore":      "binary bytes",
		"README.md": "docs",
	})

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractArchive(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "lore"))
	require.NoError(t, err)
	assert.Equal(t, "binary bytes", string(data))
}

func TestExtractArchive_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "release.tar.gz")
	writeArchive(t, archive, map[string]string{"../evil": "x"})

	err := extractArchive(archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestInstallBinary_SwapsAndDropsBackup(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "incoming")
	dest := filepath.Join(dir, "lore")
	require.NoError(t, os.WriteFile(src, []byte("v2"), 0755))
	require.NoError(t, os.WriteFile(dest, []byte("v1"), 0755))

	require.NoError(t, installBinary(src, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.NoFileExists(t, dest+".bak")
}

func TestInstallBinary_RestoresOnFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "lore")
	require.NoError(t, os.WriteFile(dest, []byte("v1"), 0755))

	err := installBinary(filepath.Join(dir, "missing"), dest)
	require.Error(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.NoFileExists(t, dest+".bak")
}
