// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ingestion

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Extract unzips archivePath into targetDir, creating it if needed. Existing files are overwritten.
//
// It fails if the archive is corrupt, or if an entry would be written outside targetDir.
func Extract(archivePath, targetDir string) (numFiles int, err error) {
	archivePath, err = fsutil.ReplaceTildeInDir(archivePath)
	if err != nil {
		return 0, err
	}
	targetDir, err = fsutil.ReplaceTildeInDir(targetDir)
	if err != nil {
		return 0, err
	}
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open archive %q", archivePath)
	}
	defer func() { _ = r.Close() }()

	if err = os.MkdirAll(targetDir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory %q", targetDir)
	}
	root := filepath.Clean(targetDir) + string(os.PathSeparator)
	var total uint64
	for _, f := range r.File {
		dst := filepath.Join(targetDir, f.Name)
		if !strings.HasPrefix(dst+string(os.PathSeparator), root) {
			return numFiles, errors.Errorf("archive %q entry %q points outside of %q", archivePath, f.Name, targetDir)
		}
		if f.FileInfo().IsDir() {
			if err = os.MkdirAll(dst, 0o755); err != nil {
				return numFiles, errors.Wrapf(err, "failed to create directory %q", dst)
			}
			continue
		}
		if err = extractFile(f, dst); err != nil {
			return numFiles, errors.WithMessagef(err, "while extracting %q", archivePath)
		}
		numFiles++
		total += f.UncompressedSize64
	}
	klog.Infof("extracted %d files (%s) from %q into %q", numFiles, humanize.IBytes(total), archivePath, targetDir)
	return numFiles, nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", dst)
	}
	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open entry %q", f.Name)
	}
	defer func() { _ = src.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, src); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to write %q", dst)
	}
	return errors.Wrapf(out.Close(), "failed closing %q", dst)
}

// Pack zips the contents of dir into zipPath, with entry names relative to dir.
// It's the inverse of Extract.
func Pack(dir, zipPath string) error {
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", zipPath)
	}
	out, err := os.Create(zipPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", zipPath)
	}
	w := zip.NewWriter(out)
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(entry, src)
		return err
	})
	if err != nil {
		_ = w.Close()
		_ = out.Close()
		return errors.Wrapf(err, "failed to pack %q into %q", dir, zipPath)
	}
	if err = w.Close(); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to finish %q", zipPath)
	}
	return errors.Wrapf(out.Close(), "failed closing %q", zipPath)
}
