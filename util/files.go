package util

import (
	"context"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// IsNotExist reports whether err says that a file is missing. Local files
// surface raw os errors, object stores surface errors.NotExist.
func IsNotExist(err error) bool {
	return err != nil && (os.IsNotExist(err) || errors.Is(errors.NotExist, err))
}

// Exists reports whether the file at path exists.
func Exists(ctx context.Context, path string) (bool, error) {
	_, err := file.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// DirExists reports whether path names a directory. Object stores have no
// directories, so there it reports whether any object has path as prefix.
func DirExists(ctx context.Context, path string) (bool, error) {
	if isLocal(path) {
		info, err := os.Stat(path)
		switch {
		case err == nil:
			return info.IsDir(), nil
		case os.IsNotExist(err):
			return false, nil
		default:
			return false, err
		}
	}
	lister := file.List(ctx, strings.TrimSuffix(path, "/")+"/", true)
	found := lister.Scan()
	return found, lister.Err()
}

// MkdirAll creates dir and its parents. It is a no-op for object-store
// paths.
func MkdirAll(dir string) error {
	if !isLocal(dir) {
		return nil
	}
	return os.MkdirAll(dir, 0775)
}

// Remove deletes path. A missing file is not an error.
func Remove(ctx context.Context, path string) error {
	if err := file.Remove(ctx, path); err != nil && !IsNotExist(err) {
		return err
	}
	return nil
}

func isLocal(path string) bool {
	scheme, _, err := file.ParsePath(path)
	return err == nil && scheme == ""
}
