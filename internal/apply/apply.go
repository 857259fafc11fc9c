// Package apply implements the apply-update primitive: it downloads a release
// asset, optionally verifies its checksum, and swaps it over the installed
// binary. Replacement is atomic with respect to readers, including the case
// where the binary being replaced is the one currently running.
package apply

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	goupdate "github.com/inconshreveable/go-update"
)

// DownloadTimeout is the default timeout for asset downloads.
const DownloadTimeout = 5 * time.Minute

// progressLogInterval controls how often download progress is logged.
const progressLogInterval = 1 << 20 // bytes

// Sentinel errors for request validation.
var (
	ErrURLRequired         = errors.New("asset download URL is required")
	ErrInstallPathRequired = errors.New("install path is required")
	ErrBinNameRequired     = errors.New("binary name is required")
)

// DownloadError reports a failed asset download.
type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("asset download failed with status %d for %s", e.StatusCode, e.URL)
}

// ChecksumError reports a downloaded asset whose sha256 does not match the
// published hash.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Options describes one apply operation.
type Options struct {
	URL           string
	InstallPath   string // directory receiving the binary
	BinName       string
	PathInArchive string // location of the executable inside a packaged asset
	ExpectedHash  string // optional sha256, verified when non-empty
	AuthToken     string // optional bearer token for the download
	ShowProgress  bool
}

// Applier downloads and installs release assets.
type Applier struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an Applier. A zero timeout falls back to DownloadTimeout; a nil
// logger discards output.
func New(logger *slog.Logger, timeout time.Duration) *Applier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = DownloadTimeout
	}
	return &Applier{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Apply downloads the asset and replaces install_path/bin_name with it.
// Gzip-wrapped binaries are transparently decompressed; anything else is
// treated as a raw executable.
func (a *Applier) Apply(ctx context.Context, opts Options) error {
	if opts.URL == "" {
		return ErrURLRequired
	}
	if opts.InstallPath == "" {
		return ErrInstallPathRequired
	}
	if opts.BinName == "" {
		return ErrBinNameRequired
	}

	if err := os.MkdirAll(opts.InstallPath, 0o755); err != nil {
		return fmt.Errorf("failed to create install directory %s: %w", opts.InstallPath, err)
	}

	tmp, err := os.CreateTemp("", "agentup-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := a.download(ctx, opts, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind temp file: %w", err)
	}

	payload, err := binaryReader(tmp, opts)
	if err != nil {
		return err
	}

	target := filepath.Join(opts.InstallPath, opts.BinName)
	if _, err := os.Stat(target); os.IsNotExist(err) {
		// First install: nothing to swap, write the binary into place.
		return writeBinary(target, payload)
	}

	if err := goupdate.Apply(payload, goupdate.Options{TargetPath: target}); err != nil {
		if rerr := goupdate.RollbackError(err); rerr != nil {
			return fmt.Errorf("binary replace failed: %v, rollback failed: %w", err, rerr)
		}
		return fmt.Errorf("binary replace failed: %w", err)
	}

	a.logger.Info("installed binary replaced", "path", target)
	return nil
}

// download fetches the asset into w, verifying the sha256 when a hash is
// expected.
func (a *Applier) download(ctx context.Context, opts Options, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request for %s: %w", opts.URL, err)
	}
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", opts.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: opts.URL, StatusCode: resp.StatusCode}
	}

	hasher := sha256.New()
	dst := io.MultiWriter(w, hasher)

	var downloaded, lastLogged int64
	reader := &ProgressReader{
		Reader: resp.Body,
		Reporter: func(n int64) {
			downloaded += n
			if opts.ShowProgress && downloaded-lastLogged >= progressLogInterval {
				lastLogged = downloaded
				a.logger.Info("downloading asset",
					"url", opts.URL,
					"bytes", downloaded,
					"total", resp.ContentLength)
			}
		},
	}

	if _, err := io.Copy(dst, reader); err != nil {
		return fmt.Errorf("failed to save asset from %s: %w", opts.URL, err)
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if opts.ExpectedHash != "" && !strings.EqualFold(actual, opts.ExpectedHash) {
		return &ChecksumError{Expected: opts.ExpectedHash, Actual: actual}
	}

	a.logger.Info("asset downloaded", "url", opts.URL, "bytes", downloaded, "sha256", actual)
	return nil
}

// binaryReader returns a reader over the executable payload. A gzip layer is
// transparently unwrapped; if a tar archive is underneath, the entry at
// PathInArchive (or named after the binary) is selected.
func binaryReader(r io.ReadSeeker, opts Options) (io.Reader, error) {
	var magic [2]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("downloaded asset is too short to be a binary")
		}
		return nil, fmt.Errorf("failed to inspect downloaded asset: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind downloaded asset: %w", err)
	}

	if magic[0] != 0x1f || magic[1] != 0x8b {
		return r, nil
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip asset: %w", err)
	}

	buf := bufio.NewReader(gz)
	if isTar(buf) {
		return tarEntryReader(buf, opts)
	}
	return buf, nil
}

// isTar sniffs the ustar magic without consuming the stream.
func isTar(r *bufio.Reader) bool {
	head, err := r.Peek(262)
	if err != nil {
		return false
	}
	return bytes.Equal(head[257:262], []byte("ustar"))
}

// tarEntryReader positions the tar stream at the executable entry. The entry
// is matched by PathInArchive, falling back to any entry whose base name is
// the binary name.
func tarEntryReader(r io.Reader, opts Options) (io.Reader, error) {
	wanted := opts.PathInArchive
	if wanted == "" {
		wanted = opts.BinName
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("archive has no entry %q", wanted)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if name == wanted || path.Base(name) == opts.BinName {
			return tr, nil
		}
	}
}

// writeBinary places a fresh binary at target with executable permissions.
func writeBinary(target string, payload io.Reader) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(out, payload); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", target, err)
	}
	return nil
}

// ProgressReader wraps an io.Reader to report read progress.
type ProgressReader struct {
	Reader   io.Reader
	Reporter func(n int64)
}

func (pr *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = pr.Reader.Read(p)
	if n > 0 && pr.Reporter != nil {
		pr.Reporter(int64(n))
	}
	return
}
