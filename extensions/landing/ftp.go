package landing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/chararch/tunepipe"
)

// FTPFileSystem stores objects on an FTP server under Root. A connection is opened per call.
type FTPFileSystem struct {
	Host        string
	Port        int
	User        string
	Password    string
	Root        string
	ConnTimeout time.Duration
}

func (f *FTPFileSystem) connect(ctx context.Context) (*ftp.ServerConn, error) {
	timeout := f.ConnTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", f.Host, f.Port), ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, err
	}
	if err = conn.Login(f.User, f.Password); err != nil {
		f.quit(ctx, conn)
		return nil, err
	}
	return conn, nil
}

func (f *FTPFileSystem) quit(ctx context.Context, conn *ftp.ServerConn) {
	if err := conn.Quit(); err != nil {
		tunepipe.DefaultLogger.Error(ctx, "close ftp connection to %v error:%v", f.Host, err)
	}
}

func (f *FTPFileSystem) path(key string) string {
	return path.Join("/", f.Root, cleanKey(key))
}

// Put uploads to a temporary name and renames it over the target.
func (f *FTPFileSystem) Put(ctx context.Context, key string, data []byte) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return storeError("connect", key, err)
	}
	defer f.quit(ctx, conn)
	target := f.path(key)
	f.mkdirs(conn, path.Dir(target))
	tmp := path.Join(path.Dir(target), "."+path.Base(target)+".tmp")
	if err = conn.Stor(tmp, bytes.NewReader(data)); err != nil {
		return storeError("upload", key, err)
	}
	if err = conn.Rename(tmp, target); err != nil {
		// some servers refuse to rename over an existing file
		_ = conn.Delete(target)
		if err = conn.Rename(tmp, target); err != nil {
			return storeError("rename", key, err)
		}
	}
	return nil
}

func (f *FTPFileSystem) mkdirs(conn *ftp.ServerConn, dir string) {
	cur := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		// already existing directories fail with 550
		_ = conn.MakeDir(cur)
	}
}

func (f *FTPFileSystem) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, storeError("connect", key, err)
	}
	defer f.quit(ctx, conn)
	resp, err := conn.Retr(f.path(key))
	if err != nil {
		if isFTPNotFound(err) {
			return nil, notFound(key)
		}
		return nil, storeError("download", key, err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, storeError("download", key, err)
	}
	return data, nil
}

func (f *FTPFileSystem) Exists(ctx context.Context, key string) (bool, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return false, storeError("connect", key, err)
	}
	defer f.quit(ctx, conn)
	if _, err = conn.FileSize(f.path(key)); err != nil {
		if isFTPNotFound(err) {
			return false, nil
		}
		return false, storeError("stat", key, err)
	}
	return true, nil
}

func (f *FTPFileSystem) List(ctx context.Context, prefix string) ([]string, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, storeError("connect", prefix, err)
	}
	defer f.quit(ctx, conn)
	prefix = cleanKey(prefix)
	dir := f.path("")
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = f.path(prefix[:i])
	}
	root := f.path("")
	var keys []string
	walker := conn.Walk(dir)
	for walker.Next() {
		entry := walker.Stat()
		if entry.Type != ftp.EntryTypeFile || strings.HasPrefix(entry.Name, ".") {
			continue
		}
		key := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if err = walker.Err(); err != nil && !isFTPNotFound(err) {
		return nil, storeError("list", prefix, err)
	}
	return sortedKeys(keys), nil
}

func (f *FTPFileSystem) Delete(ctx context.Context, key string) error {
	conn, err := f.connect(ctx)
	if err != nil {
		return storeError("connect", key, err)
	}
	defer f.quit(ctx, conn)
	if err = conn.Delete(f.path(key)); err != nil && !isFTPNotFound(err) {
		return storeError("delete", key, err)
	}
	return nil
}

func isFTPNotFound(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "550")
}
