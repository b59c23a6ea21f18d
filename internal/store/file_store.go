package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const recordExt = ".json"

// FileStore 实现了 Store 接口，每个账户一个 JSON 文件：<dir>/<id>.json。
// 每次写操作都会立即落盘，不做批量合并。
type FileStore struct {
	*recordStore
}

type fileBackend struct {
	dir string
}

// NewFileStore 创建一个新的 FileStore 实例，并确保目录存在。
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	return &FileStore{recordStore: newRecordStore(&fileBackend{dir: dir})}, nil
}

func (b *fileBackend) path(accountID string) string {
	return filepath.Join(b.dir, url.PathEscape(accountID)+recordExt)
}

func (b *fileBackend) load(accountID string) (*Account, bool, error) {
	data, err := os.ReadFile(b.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	a := &Account{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, false, fmt.Errorf("failed to parse record %s: %w", b.path(accountID), err)
	}
	return a, true, nil
}

// save writes the full record through a temp file so readers never observe a
// half-written file.
func (b *fileBackend) save(a *Account) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	target := b.path(a.ID)
	tmp, err := os.CreateTemp(b.dir, ".record-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (b *fileBackend) ids() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
