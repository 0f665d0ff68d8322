package hosts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// FileSender GETs uri and atomically replaces Path with the response
// body: write to a temp file in the same directory as Path, then rename
// over it, so a reader never observes a partially written hosts file.
type FileSender struct {
	Client *http.Client
	Path   string
}

// Send ignores payload: the hosts file body is fetched here, not built by
// Reporter.Fetch, since the Reporter abstraction resolves the URI but has
// no hook for an HTTP GET against it before Send.
func (f *FileSender) Send(ctx context.Context, uri string, payload interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("build hosts fetch request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch hosts file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch hosts file: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read hosts file body: %w", err)
	}

	return f.replace(body)
}

func (f *FileSender) replace(body []byte) error {
	dir := filepath.Dir(f.Path)

	tmp, err := os.CreateTemp(dir, ".hosts-*")
	if err != nil {
		return fmt.Errorf("create temp hosts file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp hosts file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp hosts file: %w", err)
	}

	if err := os.Rename(tmpPath, f.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", f.Path, err)
	}

	return nil
}
