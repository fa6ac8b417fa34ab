// Package artifact downloads a build's report artifact and extracts the JUnit
// file from it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/yourorg/rerunner/internal/devops"
	"github.com/yourorg/rerunner/internal/logging"
	"github.com/yourorg/rerunner/pkg/types"
)

// ReportFileName is the name the extracted report is written under.
const ReportFileName = "junit.xml"

var (
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrReportEntryNotFound = errors.New("report entry not found in artifact")
)

// Source lists and downloads build artifacts.
type Source interface {
	ListArtifacts(ctx context.Context, s devops.Session, ref devops.BuildRef) ([]types.Artifact, error)
	DownloadArtifact(ctx context.Context, s devops.Session, downloadURL string) (io.ReadCloser, error)
}

// Fetcher stages report files in a single working directory. The directory
// is wiped on every fetch, so fetches are serialized.
type Fetcher struct {
	src        Source
	stagingDir string
	entryPath  string
	logger     *slog.Logger

	mu sync.Mutex
}

func NewFetcher(src Source, stagingDir, entryPath string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = logging.New("artifact")
	}
	return &Fetcher{src: src, stagingDir: stagingDir, entryPath: entryPath, logger: logger}
}

// FetchReportFile downloads the artifact matching nameHint and returns the
// path of the extracted report file.
func (f *Fetcher) FetchReportFile(ctx context.Context, s devops.Session, ref devops.BuildRef, nameHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetch(ctx, s, ref, nameHint)
}

// FetchAndParse fetches the report and runs parse on it before another fetch
// can reset the staging directory.
func (f *Fetcher) FetchAndParse(ctx context.Context, s devops.Session, ref devops.BuildRef, nameHint string, parse func(path string) (*types.Report, error)) (*types.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, err := f.fetch(ctx, s, ref, nameHint)
	if err != nil {
		return nil, err
	}
	return parse(path)
}

func (f *Fetcher) fetch(ctx context.Context, s devops.Session, ref devops.BuildRef, nameHint string) (string, error) {
	if err := os.RemoveAll(f.stagingDir); err != nil {
		return "", fmt.Errorf("reset staging dir: %w", err)
	}
	if err := os.MkdirAll(f.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	artifacts, err := f.src.ListArtifacts(ctx, s, ref)
	if err != nil {
		return "", err
	}
	art, ok := SelectArtifact(artifacts, nameHint)
	if !ok {
		return "", fmt.Errorf("%w: %q in build %s", ErrArtifactNotFound, nameHint, ref)
	}

	dir := filepath.Join(f.stagingDir, filepath.Base(filepath.Clean("/"+art.Name)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	body, err := f.src.DownloadArtifact(ctx, s, art.DownloadURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	out := filepath.Join(dir, ReportFileName)
	if err := extractEntry(body, f.entryPath, out); err != nil {
		return "", fmt.Errorf("extract %s from %s: %w", f.entryPath, art.Name, err)
	}
	f.logger.Debug("report extracted", "build", ref.String(), "artifact", art.Name, "path", out)
	return out, nil
}

// SelectArtifact picks the artifact named name. An empty name selects the
// only artifact when there is exactly one.
func SelectArtifact(artifacts []types.Artifact, name string) (types.Artifact, bool) {
	if name == "" {
		if len(artifacts) == 1 {
			return artifacts[0], true
		}
		return types.Artifact{}, false
	}
	for _, a := range artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return types.Artifact{}, false
}

func extractEntry(r io.Reader, entryPath, dst string) error {
	zs := newZipStream(r)
	for {
		e, err := zs.Next()
		if errors.Is(err, io.EOF) {
			return ErrReportEntryNotFound
		}
		if err != nil {
			return err
		}
		if e.IsDir() || e.Name != entryPath {
			continue
		}
		return writeFile(dst, zs)
	}
}

func writeFile(dst string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".report-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
