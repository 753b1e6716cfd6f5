// Package update refreshes the installed lore binary from GitHub releases.
package update

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	githubRepo  = "lorehq/lore"
	releasesAPI = "https://api.github.com/repos/" + githubRepo + "/releases/latest"

	// maxExtractedSize caps any single file pulled out of a release archive.
	maxExtractedSize = 100 << 20
)

// Release is the subset of the GitHub release payload the updater reads.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
	Body        string    `json:"body"`
}

// Asset is a downloadable file attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// Info describes the latest release relative to the running build.
type Info struct {
	Available      bool      `json:"available"`
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version"`
	ReleaseNotes   string    `json:"release_notes,omitempty"`
	PublishedAt    time.Time `json:"published_at,omitempty"`
	DownloadURL    string    `json:"download_url,omitempty"`
	ChecksumsURL   string    `json:"checksums_url,omitempty"`
	BundleURL      string    `json:"bundle_url,omitempty"`
}

// Updater checks GitHub releases and swaps the installed binary in place.
type Updater struct {
	currentVersion string
	apiURL         string
	client         *http.Client
}

// New returns an Updater for the given running version.
func New(currentVersion string) *Updater {
	return &Updater{
		currentVersion: currentVersion,
		apiURL:         releasesAPI,
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

// Check fetches the latest release and compares it to the running version.
func (u *Updater) Check(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.apiURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "lore/"+u.currentVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github api returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("parse release info: %w", err)
	}

	info := &Info{
		CurrentVersion: u.currentVersion,
		LatestVersion:  strings.TrimPrefix(release.TagName, "v"),
		ReleaseNotes:   release.Body,
		PublishedAt:    release.PublishedAt,
	}
	info.Available = newerVersion(info.LatestVersion, u.currentVersion)
	if !info.Available {
		return info, nil
	}

	archive := archiveName(info.LatestVersion)
	for _, asset := range release.Assets {
		switch asset.Name {
		case archive:
			info.DownloadURL = asset.BrowserDownloadURL
		case "checksums.txt":
			info.ChecksumsURL = asset.BrowserDownloadURL
		case "checksums.txt.sigstore.json":
			info.BundleURL = asset.BrowserDownloadURL
		}
	}
	if info.DownloadURL == "" {
		log.Warn().Str("platform", platformSuffix()).Msg("No release asset for this platform")
	}
	return info, nil
}

// Apply downloads the release, verifies it and replaces the current
// executable. The old binary moves aside during the swap and comes back
// if installation fails.
func (u *Updater) Apply(ctx context.Context, info *Info) error {
	if !info.Available || info.DownloadURL == "" {
		return fmt.Errorf("no update available for this platform")
	}

	target, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate current binary: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "lore-update-*")
	if err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	checksumsPath := filepath.Join(tmpDir, "checksums.txt")
	bundlePath := filepath.Join(tmpDir, "checksums.txt.sigstore.json")

	if info.ChecksumsURL != "" {
		if err := u.downloadFile(ctx, info.ChecksumsURL, checksumsPath); err != nil {
			return fmt.Errorf("download checksums: %w", err)
		}
	}
	if info.BundleURL != "" {
		if err := u.downloadFile(ctx, info.BundleURL, bundlePath); err != nil {
			return fmt.Errorf("download sigstore bundle: %w", err)
		}
	}

	// Signature verification needs cosign on PATH; without it the
	// checksum below is the only integrity gate.
	if info.ChecksumsURL != "" && info.BundleURL != "" {
		if err := verifySignature(ctx, checksumsPath, bundlePath); err != nil {
			log.Warn().Err(err).Msg("Signature verification skipped")
		} else {
			log.Info().Msg("Signature verified")
		}
	}

	log.Info().Str("version", info.LatestVersion).Msg("Downloading release")
	archivePath := filepath.Join(tmpDir, "release.tar.gz")
	if err := u.downloadFile(ctx, info.DownloadURL, archivePath); err != nil {
		return fmt.Errorf("download release: %w", err)
	}

	if info.ChecksumsURL != "" {
		if err := verifyChecksum(archivePath, checksumsPath, info.LatestVersion); err != nil {
			return fmt.Errorf("checksum verification: %w", err)
		}
	}

	extractDir := filepath.Join(tmpDir, "extracted")
	if err := extractArchive(archivePath, extractDir); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	binary := filepath.Join(extractDir, "lore")
	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("release archive has no lore binary: %w", err)
	}
	if err := installBinary(binary, target); err != nil {
		return fmt.Errorf("install %s: %w", target, err)
	}

	log.Info().Str("version", info.LatestVersion).Str("path", target).Msg("Update applied")
	return nil
}

func (u *Updater) downloadFile(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "lore/"+u.currentVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, resp.Body)
	return err
}

// verifySignature checks the checksums file against its sigstore bundle
// using keyless verification pinned to this repo's release workflow.
func verifySignature(ctx context.Context, checksumsPath, bundlePath string) error {
	if _, err := exec.LookPath("cosign"); err != nil {
		return fmt.Errorf("cosign not installed: %w", err)
	}

	cmd := exec.CommandContext(ctx, "cosign", "verify-blob",
		"--bundle", bundlePath,
		"--certificate-identity-regexp", "https://github.com/"+githubRepo+"/.*",
		"--certificate-oidc-issuer", "https://token.actions.githubusercontent.com",
		checksumsPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cosign verify-blob: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func verifyChecksum(archivePath, checksumsPath, version string) error {
	sums, err := os.ReadFile(checksumsPath)
	if err != nil {
		return fmt.Errorf("read checksums: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	actual := hex.EncodeToString(h.Sum(nil))

	want := archiveName(version)
	for _, line := range strings.Split(string(sums), "\n") {
		parts := strings.Fields(line)
		if len(parts) >= 2 && strings.HasSuffix(parts[1], want) {
			if parts[0] == actual {
				return nil
			}
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", want, parts[0], actual)
		}
	}
	return fmt.Errorf("no checksum entry for %s", want)
}

func extractArchive(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, header.Mode); err != nil {
				return fmt.Errorf("extract %s: %w", header.Name, err)
			}
		}
	}
}

func writeEntry(tr *tar.Reader, target string, mode int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode)&0755)
	if err != nil {
		return err
	}
	// LimitReader bounds decompression; hitting the cap means the entry
	// is larger than any release we ship.
	written, err := io.Copy(out, io.LimitReader(tr, maxExtractedSize))
	if err != nil {
		out.Close()
		return err
	}
	if written == maxExtractedSize {
		out.Close()
		return fmt.Errorf("entry exceeds %d bytes", int64(maxExtractedSize))
	}
	return out.Close()
}

// installBinary swaps src into place at dest. A running executable can be
// renamed but not overwritten, so the old file moves to dest.bak first and
// is restored when the copy fails.
func installBinary(src, dest string) error {
	backup := ""
	if _, err := os.Stat(dest); err == nil {
		backup = dest + ".bak"
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("back up %s: %w", dest, err)
		}
	}

	if err := copyFile(src, dest); err != nil {
		if backup != "" {
			_ = os.Remove(dest)
			_ = os.Rename(backup, dest)
		}
		return err
	}
	if err := os.Chmod(dest, 0755); err != nil {
		return err
	}

	if backup != "" {
		_ = os.Remove(backup)
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func archiveName(version string) string {
	return fmt.Sprintf("lore_%s_%s.tar.gz", version, platformSuffix())
}

func platformSuffix() string {
	return runtime.GOOS + "_" + runtime.GOARCH
}

// newerVersion reports whether latest is a higher release than current.
// Dev builds carry suffixes like 0.3.5-2-gca711a8-dirty; only the base
// version takes part in the comparison.
func newerVersion(latest, current string) bool {
	latest = strings.TrimPrefix(latest, "v")
	current = strings.TrimPrefix(current, "v")

	if idx := strings.Index(current, "-"); idx > 0 {
		current = current[:idx]
	}

	latestParts := strings.Split(latest, ".")
	currentParts := strings.Split(current, ".")
	for i := 0; i < len(latestParts) && i < len(currentParts); i++ {
		ln, _ := strconv.Atoi(latestParts[i])
		cn, _ := strconv.Atoi(currentParts[i])
		if ln != cn {
			return ln > cn
		}
	}
	return len(latestParts) > len(currentParts)
}
