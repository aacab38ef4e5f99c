// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/finetune/pkg/ingestion"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ResolveWeights returns the checkpoint directory holding the weights given by weights, which can be:
//
//   - A checkpoint directory.
//   - A zip file with a checkpoint directory, extracted under cacheDir.
//   - An http(s) URL to such a zip file, downloaded to and extracted under cacheDir.
//
// The variables are looked up by scope, so the checkpoint must have been saved by a Network with
// the same architecture (e.g.: a base network saved by an earlier run).
func ResolveWeights(weights, cacheDir string) (string, error) {
	if strings.HasPrefix(weights, "http://") || strings.HasPrefix(weights, "https://") {
		if cacheDir == "" {
			return "", errors.Errorf("a cache directory is required to download weights from %q", weights)
		}
		zipPath := filepath.Join(cacheDir, "weights.zip")
		if _, err := ingestion.Fetch(context.Background(), weights, zipPath); err != nil {
			return "", errors.WithMessagef(err, "failed to download weights")
		}
		weights = zipPath
	}
	weights, err := fsutil.ReplaceTildeInDir(weights)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(weights)
	if err != nil {
		return "", errors.Wrapf(err, "weights %q not found", weights)
	}
	dir := weights
	if !info.IsDir() {
		if cacheDir == "" {
			return "", errors.Errorf("a cache directory is required to extract weights from %q", weights)
		}
		dir = filepath.Join(cacheDir, "weights")
		if err = os.RemoveAll(dir); err != nil {
			return "", errors.Wrapf(err, "failed to clear %q", dir)
		}
		if _, err = ingestion.Extract(weights, dir); err != nil {
			return "", errors.WithMessagef(err, "failed to extract weights")
		}
	}
	return findCheckpointDir(dir)
}

// findCheckpointDir returns dir, or its only sub-directory (recursively), if it holds checkpoint files.
func findCheckpointDir(dir string) (string, error) {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read %q", dir)
		}
		var subDirs []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				if !strings.HasPrefix(name, ".") && !strings.HasPrefix(name, "__") {
					subDirs = append(subDirs, name)
				}
				continue
			}
			if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, checkpoints.JsonNameSuffix) {
				return dir, nil
			}
		}
		if len(subDirs) != 1 {
			return "", errors.Errorf("no checkpoint found in %q", dir)
		}
		dir = filepath.Join(dir, subDirs[0])
	}
}
