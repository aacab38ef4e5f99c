// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/pkg/ingestion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Ingestion downloads the dataset archive and extracts it.
type Ingestion struct {
	Config config.DataIngestionConfig
}

// Name implements pipeline.Stage.
func (s *Ingestion) Name() string { return NameIngestion }

// Run implements pipeline.Stage.
func (s *Ingestion) Run(ctx context.Context) error {
	cfg := s.Config
	size, err := ingestion.Fetch(ctx, cfg.SourceURL, cfg.LocalDataFile)
	if err != nil {
		return errors.WithMessagef(err, "failed to download dataset from %q", cfg.SourceURL)
	}
	klog.V(1).Infof("dataset archive %q: %d bytes", cfg.LocalDataFile, size)
	if _, err = ingestion.Extract(cfg.LocalDataFile, cfg.UnzipDir); err != nil {
		return err
	}
	return nil
}
