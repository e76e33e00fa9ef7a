package video

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// FileAssetStore downloads vendor assets into a local directory. Durable
// storage in the deployment sense is whatever volume the directory sits on.
type FileAssetStore struct {
	directory  string
	httpClient *http.Client
}

// NewFileAssetStore wires an asset store rooted at directory.
func NewFileAssetStore(directory string, timeout time.Duration) (*FileAssetStore, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("create asset directory: %w", err)
	}
	return &FileAssetStore{
		directory:  directory,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Persist fetches the asset and writes it under the task id. Writes go to a
// temp file first so a partial download never looks like a stored asset.
func (store *FileAssetStore) Persist(ctx context.Context, taskID string, assetURL string) error {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return err
	}
	httpResponse, err := store.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("fetch asset: %w", err)
	}
	defer httpResponse.Body.Close()
	if httpResponse.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch asset: status %d", httpResponse.StatusCode)
	}

	finalPath := filepath.Join(store.directory, taskID+".mp4")
	tempFile, err := os.CreateTemp(store.directory, taskID+".*.partial")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()
	if _, err := io.Copy(tempFile, httpResponse.Body); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, finalPath)
}
