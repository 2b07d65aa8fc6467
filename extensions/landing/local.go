package landing

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/chararch/tunepipe"
)

// LocalFileSystem stores objects as files under Root.
type LocalFileSystem struct {
	Root string
}

func (l *LocalFileSystem) path(key string) string {
	return filepath.Join(l.Root, filepath.FromSlash(cleanKey(key)))
}

// Put writes to a temporary sibling and renames it over the target.
func (l *LocalFileSystem) Put(ctx context.Context, key string, data []byte) error {
	target := l.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return storeError("mkdir", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return storeError("create", key, err)
	}
	defer func() {
		if er := os.Remove(tmp.Name()); er != nil && !os.IsNotExist(er) {
			tunepipe.DefaultLogger.Error(ctx, "remove temp file:%v error:%v", tmp.Name(), er)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return storeError("write", key, err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return storeError("sync", key, err)
	}
	if err = tmp.Close(); err != nil {
		return storeError("close", key, err)
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return storeError("rename", key, err)
	}
	return nil
}

func (l *LocalFileSystem) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, storeError("read", key, err)
	}
	return data, nil
}

func (l *LocalFileSystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, storeError("stat", key, err)
	}
	return true, nil
}

func (l *LocalFileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = cleanKey(prefix)
	dir := l.Root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.Join(l.Root, filepath.FromSlash(prefix[:i]))
	}
	var keys []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, storeError("list", prefix, err)
	}
	return sortedKeys(keys), nil
}

func (l *LocalFileSystem) Delete(ctx context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !os.IsNotExist(err) {
		return storeError("delete", key, err)
	}
	return nil
}
