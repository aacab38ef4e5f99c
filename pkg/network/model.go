// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// Hyperparameters stored in the context, and saved along with the network variables, so a persisted
// network can be rebuilt exactly.
const (
	ParamArchitecture = "architecture"
	ParamImageHeight  = "image_height"
	ParamImageWidth   = "image_width"
	ParamIncludeTop   = "include_top"

	// ParamHead is true once the network was adapted with a new classification head.
	ParamHead    = "head"
	ParamClasses = "classes"

	// ParamFrozenLayers holds the comma-separated names of the frozen base layers.
	ParamFrozenLayers = "frozen_layers"

	// ParamClassNames holds the comma-separated class names, set once the network is trained.
	ParamClassNames = "class_names"
)

// Scopes where the model variables are created.
const (
	ScopeModel = "model"
	ScopeBase  = "base"
	ScopeTop   = "top"
	ScopeHead  = "head"
)

// ModelGraph implements train.ModelFn: it builds the network on the input images (shaped
// [batch_size, height, width, 3], values in [0, 1]) and returns the class logits.
// Use graph.Softmax on them for the probabilities.
//
// The network is described by the context hyperparameters (see ParamArchitecture and siblings).
// Variables of frozen layers are marked as not trainable.
func ModelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	ctx = ctx.In(ScopeModel)
	arch, err := ArchitectureByName(context.GetParamOr(ctx, ParamArchitecture, ""))
	if err != nil {
		panic(err)
	}
	x := inputs[0]
	batchSize := x.Shape().Dimensions[0]

	frozen := frozenLayers(ctx)
	baseCtx := ctx.In(ScopeBase)
	for _, layer := range arch.Base {
		layerCtx := baseCtx.In(layer.Name)
		x = applyLayer(layerCtx, layer, x, false)
		if frozen[layer.Name] {
			for v := range layerCtx.IterVariablesInScope() {
				v.SetTrainable(false)
			}
		}
	}

	var logits *graph.Node
	switch {
	case context.GetParamOr(ctx, ParamHead, false):
		classes := context.GetParamOr(ctx, ParamClasses, 0)
		if classes < 2 {
			exceptions.Panicf("network has a classification head, but %q=%d", ParamClasses, classes)
		}
		headCtx := ctx.In(ScopeHead)
		logits = graph.Reshape(x, batchSize, -1)
		logits = layers.Dense(headCtx.In("predictions"), logits, true, classes)
	case context.GetParamOr(ctx, ParamIncludeTop, false):
		topCtx := ctx.In(ScopeTop)
		logits = x
		for ii, layer := range arch.Top {
			logits = applyLayer(topCtx.In(layer.Name), layer, logits, ii == len(arch.Top)-1)
		}
	default:
		// Headless base: the feature maps are the output.
		return []*graph.Node{x}
	}
	return []*graph.Node{logits}
}

// applyLayer builds one layer. isLast disables the activation of a final Dense layer.
func applyLayer(ctx *context.Context, layer Layer, x *graph.Node, isLast bool) *graph.Node {
	switch layer.Kind {
	case Conv:
		x = layers.Convolution(ctx, x).Channels(layer.Units).KernelSize(3).PadSame().Done()
		return activations.Relu(x)
	case MaxPool:
		return graph.MaxPool(x).Window(2).Done()
	case Flatten:
		return graph.Reshape(x, x.Shape().Dimensions[0], -1)
	case Dense:
		x = layers.Dense(ctx, x, true, layer.Units)
		if !isLast {
			x = activations.Relu(x)
		}
		return x
	default:
		exceptions.Panicf("unknown layer kind %s for layer %q", layer.Kind, layer.Name)
		return nil
	}
}

func frozenLayers(ctx *context.Context) map[string]bool {
	frozen := make(map[string]bool)
	for _, name := range strings.Split(context.GetParamOr(ctx, ParamFrozenLayers, ""), ",") {
		if name = strings.TrimSpace(name); name != "" {
			frozen[name] = true
		}
	}
	return frozen
}

// Loss is the mean categorical cross-entropy of the labels (class indices shaped [batch_size, 1])
// given the predicted logits.
func Loss(labels, predictions []*graph.Node) *graph.Node {
	return graph.ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(labels, predictions))
}

// NewAccuracy returns the accuracy metric, for class indices labels and logits predictions.
func NewAccuracy() metrics.Interface {
	return metrics.NewSparseCategoricalAccuracy("Accuracy", "#acc")
}

// Predictions returns the predicted class index of logits (or probabilities) shaped [batch_size, classes].
func Predictions(logits *graph.Node) *graph.Node {
	return graph.ArgMax(logits, -1, dtypes.Int32)
}
