// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network builds, adapts, persists and trains the image classification network being fine-tuned.
//
// A network is a GoMLX context: its hyperparameters (architecture, image size, head, frozen layers...)
// and its variables. It is persisted as a GoMLX checkpoint directory, so it can be rebuilt in a later
// stage (or process) with Load.
package network

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network holds the context (hyperparameters and variables) of a model.
type Network struct {
	backend backends.Backend
	ctx     *context.Context
}

// Options to create a new base network.
type Options struct {
	Architecture string

	// ImageSize is height, width and channels. Only 3 channels are supported.
	ImageSize []int

	// IncludeTop keeps the architecture's default classification top.
	IncludeTop bool

	// Weights is either WeightsNone for a random initialization, or a checkpoint directory,
	// zip file or URL, with the base network weights. See ResolveWeights.
	Weights string

	// CacheDir is where downloaded or zipped weights are extracted.
	CacheDir string

	// Seed for the random initialization.
	Seed int64
}

// WeightsNone selects random initialization of the base network.
const WeightsNone = "none"

// NewBackend creates the default backend (configured with the GOMLX_BACKEND environment variable),
// converting a failure into an error.
func NewBackend() (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() { backend = backends.MustNew() })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create a GoMLX backend, check $%s", backends.ConfigEnvVar)
	}
	return backend, nil
}

// New creates a base network: the architecture's feature extraction layers, plus its default top if
// opts.IncludeTop is set. Weights are initialized randomly or loaded from opts.Weights. The
// variables are materialized with one forward pass, so the network can be saved.
func New(backend backends.Backend, opts Options) (*Network, error) {
	arch, err := ArchitectureByName(opts.Architecture)
	if err != nil {
		return nil, err
	}
	if len(opts.ImageSize) != 3 || opts.ImageSize[2] != 3 {
		return nil, errors.Errorf("image size must be [height, width, 3], got %v", opts.ImageSize)
	}
	n := &Network{backend: backend, ctx: context.New()}
	if err := n.ctx.SetRNGStateFromSeed(opts.Seed); err != nil {
		return nil, errors.WithMessagef(err, "failed to seed the network initialization")
	}
	n.ctx.SetParams(map[string]any{
		ParamArchitecture: arch.Name,
		ParamImageHeight:  opts.ImageSize[0],
		ParamImageWidth:   opts.ImageSize[1],
		ParamIncludeTop:   opts.IncludeTop,
		ParamHead:         false,
	})

	if opts.Weights != "" && !strings.EqualFold(opts.Weights, WeightsNone) {
		weightsDir, err := ResolveWeights(opts.Weights, opts.CacheDir)
		if err != nil {
			return nil, err
		}
		// Variables are loaded lazily, as the graph asks for them; the weights' hyperparameters are ignored.
		_, err = checkpoints.Load(n.ctx).Dir(weightsDir).ExcludeAllParams().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load weights from %q", opts.Weights)
		}
		klog.Infof("loading base network weights from %q", weightsDir)
	}
	if err := n.Materialize(); err != nil {
		return nil, err
	}
	return n, nil
}

// Load a network saved with Save. All variables are read at once, so they can be inspected
// before any graph is built.
func Load(backend backends.Backend, dir string) (*Network, error) {
	n := &Network{backend: backend, ctx: context.New()}
	_, err := checkpoints.Load(n.ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load network from %q", dir)
	}
	if _, err := ArchitectureByName(context.GetParamOr(n.ctx, ParamArchitecture, "")); err != nil {
		return nil, errors.WithMessagef(err, "invalid network checkpoint in %q", dir)
	}
	return n, nil
}

// Save the network into dir, replacing whatever was there.
func (n *Network) Save(dir string) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	if err = os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear previous network in %q", dir)
	}
	checkpoint, err := checkpoints.Build(n.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	if err = checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save network to %q", dir)
	}
	klog.Infof("network saved to %q (%d variables, %d parameters)", dir, n.ctx.NumVariables(), n.ctx.NumParameters())
	return nil
}

// Context holding the network's hyperparameters and variables.
func (n *Network) Context() *context.Context { return n.ctx }

// Backend used by the network.
func (n *Network) Backend() backends.Backend { return n.backend }

// ImageSize returns the input height and width of the network.
func (n *Network) ImageSize() (height, width int) {
	return context.GetParamOr(n.ctx, ParamImageHeight, 0), context.GetParamOr(n.ctx, ParamImageWidth, 0)
}

// Classes returns the number of classes of the classification head, or 0 if the network was not adapted.
func (n *Network) Classes() int {
	if !context.GetParamOr(n.ctx, ParamHead, false) {
		return 0
	}
	return context.GetParamOr(n.ctx, ParamClasses, 0)
}

// ClassNames returns the class names recorded with SetClassNames, if any.
func (n *Network) ClassNames() []string {
	names := context.GetParamOr(n.ctx, ParamClassNames, "")
	if names == "" {
		return nil
	}
	return strings.Split(names, ",")
}

// SetClassNames records the names of the classes, in label order, to be saved with the network.
func (n *Network) SetClassNames(names []string) {
	n.ctx.SetParam(ParamClassNames, strings.Join(names, ","))
}

// Materialize runs one forward pass over a batch of one blank image, so every variable used by
// the network exists in its context (lazily loaded variables included).
func (n *Network) Materialize() error {
	height, width := n.ImageSize()
	blank := tensors.FromShape(shapes.Make(dtypes.Float32, 1, height, width, 3))
	// Unchecked: existing (or checkpoint) variables are reused, new ones (e.g. a new head) are created.
	_, err := context.ExecOnce(n.backend, n.ctx.Checked(false), func(ctx *context.Context, images *graph.Node) *graph.Node {
		return ModelGraph(ctx, nil, []*graph.Node{images})[0]
	}, blank)
	if err != nil {
		return errors.WithMessagef(err, "failed to build the network")
	}
	return nil
}

// Adapt replaces the network's classification top with a new head (flatten, dense with classes
// outputs and softmax), freezes the base layers selected by policy and configures SGD with the
// given fixed learning rate. The variables of the new head are initialized with one forward pass.
func (n *Network) Adapt(classes int, policy FreezePolicy, learningRate float64) error {
	if classes < 2 {
		return errors.Errorf("a classification head needs at least 2 classes, got %d", classes)
	}
	if learningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", learningRate)
	}
	arch, err := ArchitectureByName(context.GetParamOr(n.ctx, ParamArchitecture, ""))
	if err != nil {
		return err
	}
	frozen := policy.Frozen(arch.BaseLayerNames())
	n.ctx.SetParams(map[string]any{
		ParamIncludeTop:              false,
		ParamHead:                    true,
		ParamClasses:                 classes,
		ParamFrozenLayers:            strings.Join(frozen, ","),
		optimizers.ParamLearningRate: learningRate,
	})
	if err := n.dropTop(); err != nil {
		return err
	}
	klog.Infof("network adapted: %d classes, %d of %d base layers frozen, learning rate %g",
		classes, len(frozen), len(arch.Base), learningRate)
	return n.Materialize()
}

// dropTop deletes the variables of the default classification top, if they were materialized.
func (n *Network) dropTop() error {
	topCtx := n.ctx.In(ScopeModel).In(ScopeTop)
	if err := topCtx.DeleteVariablesInScope(); err != nil {
		return errors.WithMessagef(err, "failed to remove the default classification top")
	}
	return nil
}

// Optimizer returns the SGD optimizer with the network's fixed learning rate (no decay).
func (n *Network) Optimizer() optimizers.Interface {
	lr := context.GetParamOr(n.ctx, optimizers.ParamLearningRate, 0.01)
	return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(lr).Done()
}

// NewTrainer returns a train.Trainer for the adapted network: categorical cross-entropy loss, SGD and
// accuracy. The evaluation metrics are the mean loss followed by the accuracy.
func (n *Network) NewTrainer() (*train.Trainer, error) {
	if n.Classes() == 0 {
		return nil, errors.New("network has no classification head, it must be adapted before training")
	}
	var trainer *train.Trainer
	err := exceptions.TryCatch[error](func() {
		// Unchecked: the network variables exist, the optimizer ones are created on the first step.
		trainer = train.NewTrainer(n.backend, n.ctx.Checked(false), ModelGraph, Loss, n.Optimizer(),
			[]metrics.Interface{NewAccuracy()}, // trainMetrics
			[]metrics.Interface{NewAccuracy()}) // evalMetrics
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create trainer")
	}
	return trainer, nil
}
