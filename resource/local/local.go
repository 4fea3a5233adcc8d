// Package local implements resource storage on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/orcasched/orca/resource"
)

type localStorage struct {
	baseDir string
}

func NewLocalStorage(baseDir string) resource.Storage {
	return &localStorage{baseDir: baseDir}
}

func (ls *localStorage) CreateTenantDirIfNotExists(ctx context.Context, tenant string) error {
	if err := os.MkdirAll(ls.ResDir(tenant), 0o755); err != nil {
		return fmt.Errorf("creating tenant resource dir: %w", err)
	}

	return nil
}

func (ls *localStorage) ResDir(tenant string) string {
	return filepath.Join(ls.baseDir, tenant, "resources")
}

func (ls *localStorage) ResourceFullName(tenant, fileName string) string {
	return filepath.Join(ls.ResDir(tenant), fileName)
}

func (ls *localStorage) Exists(ctx context.Context, fullName string) (bool, error) {
	_, err := os.Stat(fullName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking resource: %w", err)
	}

	return true, nil
}

func (ls *localStorage) Download(ctx context.Context, srcPath, dstFile string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(dstFile); err == nil {
			return nil
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", srcPath, resource.ErrResourceNotFound)
		}
		return fmt.Errorf("opening resource: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstFile), 0o755); err != nil {
		return fmt.Errorf("creating destination dir: %w", err)
	}

	dst, err := os.Create(dstFile)
	if err != nil {
		return fmt.Errorf("creating destination file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copying resource: %w", err)
	}

	return nil
}

func (ls *localStorage) Delete(ctx context.Context, fullName string) error {
	if err := os.Remove(fullName); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("deleting resource: %w", err)
	}

	return nil
}
