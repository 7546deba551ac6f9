// Package storage は生成画像の保存と公開を提供する。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound は対象オブジェクトが存在しないか公開されていない場合に返される。
var ErrNotFound = errors.New("object not found")

// Handle は保存済みオブジェクトへの参照。
type Handle struct {
	Name string
	URL  string
}

// ObjectStore はオブジェクトストレージのインターフェース。
type ObjectStore interface {
	// Store はdataをnameで保存する。保存直後のオブジェクトは非公開。
	Store(ctx context.Context, data []byte, name string) (Handle, error)
	// SetPublicReadable はオブジェクトをリンクを知る誰でも読めるようにする。
	SetPublicReadable(ctx context.Context, h Handle) error
}

const (
	privateMode fs.FileMode = 0o600
	publicMode  fs.FileMode = 0o644
)

// LocalStore はローカルディレクトリにオブジェクトを保存する。
// 公開状態はファイルのother読み取りビットで表す。
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore はLocalStoreを生成し、保存先ディレクトリを作成する。
// 公開URLは baseURL + "/badges/" + name となる。
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Store はdataをnameで非公開として保存する。
// 書き込み途中のファイルが公開されないよう一時ファイルからrenameする。
func (s *LocalStore) Store(ctx context.Context, data []byte, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	path, err := s.path(name)
	if err != nil {
		return Handle{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Handle{}, fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Chmod(privateMode); err != nil {
		tmp.Close()
		return Handle{}, fmt.Errorf("failed to chmod object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Handle{}, fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return Handle{}, fmt.Errorf("failed to move object: %w", err)
	}

	return Handle{Name: name, URL: s.baseURL + "/badges/" + name}, nil
}

// SetPublicReadable はオブジェクトを公開状態にする。
func (s *LocalStore) SetPublicReadable(ctx context.Context, h Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(h.Name)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, publicMode); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to publish object: %w", err)
	}
	return nil
}

// OpenPublic は公開済みオブジェクトを開く。
// 存在しないか非公開の場合はErrNotFoundを返す。
func (s *LocalStore) OpenPublic(name string) (*os.File, fs.FileInfo, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, nil, ErrNotFound
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	if info.IsDir() || info.Mode().Perm()&0o004 == 0 {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}

// path はnameを保存先ディレクトリ内のパスに解決する。
// ディレクトリ外を指す名前や隠しファイル名は拒否する。
func (s *LocalStore) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid object name: %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// compile-time interface check
var _ ObjectStore = (*LocalStore)(nil)
