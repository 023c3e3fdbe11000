// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

const (
	fileExt  = ".json"
	dirMode  = 0o700
	fileMode = 0o600
)

var (
	ErrInvalidKey = errors.New("invalid store key")

	validKey = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// File is a Store that keeps one file per key in a directory.
type File struct {
	dir string
	mu  sync.Mutex
}

// NewFile returns a File store rooted at dir, creating the directory if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Set writes value to a temporary file and renames it over the old one, so readers never
// observe a partially written value.
func (f *File) Set(ctx context.Context, key string, value []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	tmp, err := os.CreateTemp(f.dir, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", key, err)
	}
	if _, err = tmp.Write(value); err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", key, err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err = tmp.Chmod(fileMode); err != nil {
		return errors.Join(fmt.Errorf("failed to chmod %s: %w", key, err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err = tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close %s: %w", key, err), os.Remove(tmp.Name()))
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Join(fmt.Errorf("failed to replace %s: %w", key, err), os.Remove(tmp.Name()))
	}
	return nil
}

func (f *File) Remove(ctx context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (f *File) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, key+fileExt), nil
}
