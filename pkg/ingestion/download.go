// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ingestion fetches a dataset archive and extracts it.
//
// Google Drive sharing links are converted to their direct download endpoint, any other URL is
// downloaded as is.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ShowProgressBar controls whether Fetch displays a progress bar when the size of the download is known.
var ShowProgressBar = true

// HTTPClient used by Fetch. Tests may replace it.
var HTTPClient = &http.Client{}

// copyBytesBar copies bytes to an io.Writer while updating a progress bar.
// Sizes larger than a few MB are counted in KB or MB units, to keep the bar updates cheap.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, contentLength int64, description string) *copyBytesBar {
	c := &copyBytesBar{w: w, barUnit: 1}
	for contentLength > c.barUnit*1024*1024 {
		c.barUnit *= 1024
	}
	c.numUnits = (contentLength + c.barUnit - 1) / c.barUnit
	c.bar = progressbar.NewOptions64(c.numUnits,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return c
}

// Write implements io.Writer.
func (c *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = c.w.Write(p)
	c.amountWritten += int64(n)
	toUnits := c.amountWritten / c.barUnit
	if toUnits > c.addedUnits {
		_ = c.bar.Add64(toUnits - c.addedUnits)
		c.addedUnits = toUnits
	}
	return
}

func (c *copyBytesBar) finish() {
	if c.addedUnits < c.numUnits {
		_ = c.bar.Add64(c.numUnits - c.addedUnits)
	}
	_ = c.bar.Close()
	fmt.Println()
}

// copyWithProgressBar is io.Copy with a progress bar. It requires knowing the amount of data up-front.
func copyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64, description string) (int64, error) {
	bar := newCopyBytesBar(dst, contentLength, description)
	n, err := io.Copy(bar, src)
	bar.finish()
	return n, err
}

// Fetch downloads sourceURL to localPath, creating the parent directory if needed.
// An existing file at localPath is overwritten.
//
// Google Drive sharing URLs are first resolved with DownloadURL.
// Any transport error, or a non-2xx HTTP status, is returned. There are no retries.
func Fetch(ctx context.Context, sourceURL, localPath string) (size int64, err error) {
	localPath, err = fsutil.ReplaceTildeInDir(localPath)
	if err != nil {
		return 0, err
	}
	downloadURL, err := DownloadURL(sourceURL)
	if err != nil {
		return 0, err
	}
	if err = os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", localPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid download URL %q", downloadURL)
	}
	resp, err := HTTPClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", downloadURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", downloadURL, resp.Status)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", localPath)
	}
	if ShowProgressBar && resp.ContentLength > 0 {
		size, err = copyWithProgressBar(file, resp.Body, resp.ContentLength, humanize.IBytes(uint64(resp.ContentLength)))
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = file.Close()
		return 0, errors.Wrapf(err, "downloading %q to %q", downloadURL, localPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", localPath)
	}
	klog.Infof("downloaded %s from %q into %q", humanize.IBytes(uint64(size)), sourceURL, localPath)
	return size, nil
}
