// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"image"
	"strconv"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Classifier runs a trained network over single images.
type Classifier struct {
	network       *Network
	exec          *context.Exec
	height, width int
	classNames    []string
}

// Prediction for one image.
type Prediction struct {
	Class         int
	ClassName     string
	Probabilities []float32
}

// NewClassifier loads the trained network saved in dir.
func NewClassifier(backend backends.Backend, dir string) (*Classifier, error) {
	n, err := Load(backend, dir)
	if err != nil {
		return nil, err
	}
	if n.Classes() == 0 {
		return nil, errors.Errorf("network in %q has no classification head", dir)
	}
	c := &Classifier{network: n, classNames: n.ClassNames()}
	c.height, c.width = n.ImageSize()

	// Variables are all loaded from the checkpoint: creating a new one is an error.
	ctx := n.ctx.Reuse()
	c.exec, err = context.NewExec(backend, ctx, func(ctx *context.Context, img *graph.Node) *graph.Node {
		batch := graph.ExpandAxes(img, 0)
		logits := ModelGraph(ctx, nil, []*graph.Node{batch})[0]
		return graph.Softmax(graph.Reshape(logits, logits.Shape().Dimensions[1]), -1)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to compile classifier for %q", dir)
	}
	return c, nil
}

// Classify img, after resizing it to the network's input size.
func (c *Classifier) Classify(img image.Image) (Prediction, error) {
	if b := img.Bounds(); b.Dx() != c.width || b.Dy() != c.height || b.Min != (image.Point{}) {
		img = imaging.Resize(img, c.width, c.height, imaging.Linear)
	}
	var probsT *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		input := images.ToTensor(dtypes.Float32).Single(img)
		var execErr error
		probsT, execErr = c.exec.Exec1(input)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return Prediction{}, errors.WithMessagef(err, "failed to classify image")
	}
	probs := tensors.MustCopyFlatData[float32](probsT)
	probsT.MustFinalizeAll()

	var p Prediction
	p.Probabilities = probs
	for ii, prob := range probs {
		if prob > probs[p.Class] {
			p.Class = ii
		}
	}
	if p.Class < len(c.classNames) {
		p.ClassName = c.classNames[p.Class]
	} else {
		p.ClassName = strconv.Itoa(p.Class)
	}
	return p, nil
}

// ClassifyFile reads the image at path and classifies it.
func (c *Classifier) ClassifyFile(path string) (Prediction, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Prediction{}, errors.Wrapf(err, "failed to read image %q", path)
	}
	return c.Classify(img)
}

// ClassNames in label order, as recorded during training.
func (c *Classifier) ClassNames() []string { return c.classNames }

// Network used by the classifier.
func (c *Classifier) Network() *Network { return c.network }
