// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LayerSummary describes one layer of a materialized network.
type LayerSummary struct {
	Scope     string
	Name      string
	Kind      LayerKind
	Trainable bool
	Params    int
}

// Summary lists the layers of the network, in order, with their number of parameters and whether
// they are trained. Layers without variables (pooling, flatten) are trainable only if not frozen.
func (n *Network) Summary() ([]LayerSummary, error) {
	arch, err := ArchitectureByName(context.GetParamOr(n.ctx, ParamArchitecture, ""))
	if err != nil {
		return nil, err
	}
	modelCtx := n.ctx.In(ScopeModel)
	frozen := frozenLayers(modelCtx)
	var summary []LayerSummary
	add := func(scopeCtx *context.Context, scope string, layer Layer) {
		s := LayerSummary{Scope: scope, Name: layer.Name, Kind: layer.Kind, Trainable: !frozen[layer.Name]}
		for v := range scopeCtx.In(layer.Name).IterVariablesInScope() {
			s.Params += v.Shape().Size()
		}
		summary = append(summary, s)
	}
	baseCtx := modelCtx.In(ScopeBase)
	for _, layer := range arch.Base {
		add(baseCtx, ScopeBase, layer)
	}
	switch {
	case context.GetParamOr(modelCtx, ParamHead, false):
		add(modelCtx.In(ScopeHead), ScopeHead, Layer{Name: "predictions", Kind: Dense, Units: n.Classes()})
	case context.GetParamOr(modelCtx, ParamIncludeTop, false):
		topCtx := modelCtx.In(ScopeTop)
		for _, layer := range arch.Top {
			add(topCtx, ScopeTop, layer)
		}
	}
	return summary, nil
}
