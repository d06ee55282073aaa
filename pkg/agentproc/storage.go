package agentproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/rpc"
)

// LocalStorage is the default StorageFetcher: it caches binaries and
// checkpoints under a root directory on disk, downloading over plain
// HTTP(S) and recording the storage version it last synced for each
// StorageID.
type LocalStorage struct {
	root   string
	client *http.Client

	mu       sync.Mutex
	versions map[ids.StorageID]uint16
}

// NewLocalStorage builds a LocalStorage rooted at dir.
func NewLocalStorage(dir string) *LocalStorage {
	return &LocalStorage{
		root:     dir,
		client:   http.DefaultClient,
		versions: make(map[ids.StorageID]uint16),
	}
}

// LocalVersion implements StorageFetcher.
func (s *LocalStorage) LocalVersion(id ids.StorageID) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	return v, ok
}

// Ensure implements StorageFetcher: it downloads every binary named in
// info.Binaries that isn't already present with a matching sha256, then
// records info's storage version as synced.
func (s *LocalStorage) Ensure(ctx context.Context, info rpc.EnvInfo, progress func(total, downloaded uint64)) error {
	dir := filepath.Join(s.root, string(info.Storage))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("agentproc: create storage dir: %w", err)
	}

	var total, downloaded uint64
	for _, b := range info.Binaries {
		if fi, err := os.Stat(s.binaryPath(dir, b)); err == nil {
			total += uint64(fi.Size())
		}
	}

	for id, bin := range info.Binaries {
		dest := s.binaryPath(dir, bin)
		if ok, err := fileMatchesSHA256(dest, bin.SHA256); err == nil && ok {
			continue
		}
		n, err := s.download(ctx, bin.URL, dest, bin.SHA256)
		if err != nil {
			return fmt.Errorf("agentproc: download binary %q: %w", id, err)
		}
		downloaded += n
		if progress != nil {
			progress(total+downloaded, downloaded)
		}
	}

	s.mu.Lock()
	s.versions[info.Storage] = info.StorageVersion
	s.mu.Unlock()
	return nil
}

func (s *LocalStorage) binaryPath(dir string, bin rpc.BinaryRef) string {
	return filepath.Join(dir, bin.SHA256+".bin")
}

func (s *LocalStorage) download(ctx context.Context, url, dest, wantSHA256 string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, closeErr
	}
	if got := hex.EncodeToString(h.Sum(nil)); wantSHA256 != "" && got != wantSHA256 {
		os.Remove(tmp)
		return 0, fmt.Errorf("sha256 mismatch: want %s got %s", wantSHA256, got)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func fileMatchesSHA256(path, want string) (bool, error) {
	if want == "" {
		_, err := os.Stat(path)
		return err == nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == want, nil
}
