package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/gzip"
)

const fileSuffix = ".json.gz"

// writeGzipJSON stores v as gzip-compressed JSON at name, replacing any
// previous content atomically.
func writeGzipJSON(fs billy.Filesystem, name string, v any) error {
	tmp, err := util.TempFile(fs, path.Dir(name), ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}

	zw, err := gzip.NewWriterLevel(tmp, gzip.BestCompression)
	if err != nil {
		return fail(err)
	}
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return fail(fmt.Errorf("encode %s: %w", name, err))
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("compress %s: %w", name, err))
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	if err := fs.Rename(tmpName, name); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func readGzipJSON(fs billy.Filesystem, name string, v any) error {
	f, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer zr.Close()
	if err := json.NewDecoder(zr).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// listKeys returns the keys of all persisted files in dir.
func listKeys(fs billy.Filesystem, dir string) ([]string, error) {
	infos, err := fs.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), fileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(fi.Name(), fileSuffix))
	}
	return keys, nil
}

func removeFile(fs billy.Filesystem, name string) error {
	err := fs.Remove(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func keyPath(dir, key string) string {
	return path.Join(dir, key+fileSuffix)
}
