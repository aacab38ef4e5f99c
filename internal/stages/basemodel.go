// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/pkg/network"
	"k8s.io/klog/v2"
)

// BaseModel creates the base network, saves it, adapts it to the dataset classes and saves the
// adapted network.
type BaseModel struct {
	Config  config.BaseModelConfig
	Backend BackendFn
}

// Name implements pipeline.Stage.
func (s *BaseModel) Name() string { return NameBaseModel }

// Run implements pipeline.Stage.
func (s *BaseModel) Run(ctx context.Context) error {
	cfg := s.Config
	backend, err := s.Backend()
	if err != nil {
		return err
	}
	base, err := network.New(backend, network.Options{
		Architecture: cfg.Architecture,
		ImageSize:    cfg.ImageSize,
		IncludeTop:   cfg.IncludeTop,
		Weights:      cfg.Weights,
		CacheDir:     cfg.RootDir,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}
	if err = base.Save(cfg.BaseModelPath); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	policy := network.FreezePolicy{FreezeAll: cfg.FreezeAll, FreezeTill: cfg.FreezeTill}
	if err = base.Adapt(cfg.Classes, policy, cfg.LearningRate); err != nil {
		return err
	}
	if err = logSummary(base); err != nil {
		return err
	}
	return base.Save(cfg.UpdatedBaseModelPath)
}

// logSummary logs the layer table of the network.
func logSummary(n *network.Network) error {
	summary, err := n.Summary()
	if err != nil {
		return err
	}
	var total, trainable int
	for _, layer := range summary {
		state := "trainable"
		if !layer.Trainable {
			state = "frozen"
		}
		klog.Infof("  %-5s %-14s %-13s %-9s %12s params", layer.Scope, layer.Name, layer.Kind, state, humanize.Comma(int64(layer.Params)))
		total += layer.Params
		if layer.Trainable {
			trainable += layer.Params
		}
	}
	klog.Infof("  total params: %s, trainable: %s, frozen: %s",
		humanize.Comma(int64(total)), humanize.Comma(int64(trainable)), humanize.Comma(int64(total-trainable)))
	return nil
}
