// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// LayerKind is the type of operation of a Layer.
type LayerKind int

const (
	// Conv is a 3x3 "same" padded convolution followed by a ReLU.
	Conv LayerKind = iota

	// MaxPool is a 2x2 max-pooling with stride 2.
	MaxPool

	// Flatten reshapes to [batch_size, -1].
	Flatten

	// Dense is a fully connected layer; followed by a ReLU, except on the last layer of a top.
	Dense
)

func (k LayerKind) String() string {
	switch k {
	case Conv:
		return "Conv2D"
	case MaxPool:
		return "MaxPooling2D"
	case Flatten:
		return "Flatten"
	case Dense:
		return "Dense"
	default:
		return fmt.Sprintf("LayerKind(%d)", int(k))
	}
}

// Layer of an Architecture. Units is the number of filters for Conv, or outputs for Dense.
type Layer struct {
	Name  string
	Kind  LayerKind
	Units int
}

// Architecture is a plain feed-forward convolutional network: a feature extraction base,
// and a default classification top (used when "include top" is set).
type Architecture struct {
	Name string
	Base []Layer
	Top  []Layer
}

// BaseLayerNames returns the names of the base layers, in order.
func (a *Architecture) BaseLayerNames() []string {
	names := make([]string, len(a.Base))
	for ii, l := range a.Base {
		names[ii] = l.Name
	}
	return names
}

// vggBase builds the base of a VGG network, given the number of convolutions and filters per block.
// Layers are named as in Keras: block<b>_conv<c> and block<b>_pool.
func vggBase(convsPerBlock, filtersPerBlock []int) []Layer {
	var base []Layer
	for block, numConvs := range convsPerBlock {
		for conv := range numConvs {
			base = append(base, Layer{
				Name:  fmt.Sprintf("block%d_conv%d", block+1, conv+1),
				Kind:  Conv,
				Units: filtersPerBlock[block],
			})
		}
		base = append(base, Layer{Name: fmt.Sprintf("block%d_pool", block+1), Kind: MaxPool})
	}
	return base
}

// Architectures maps the supported architecture names to their definitions.
var Architectures = map[string]*Architecture{
	"vgg16": {
		Name: "vgg16",
		Base: vggBase([]int{2, 2, 3, 3, 3}, []int{64, 128, 256, 512, 512}),
		Top: []Layer{
			{Name: "flatten", Kind: Flatten},
			{Name: "fc1", Kind: Dense, Units: 4096},
			{Name: "fc2", Kind: Dense, Units: 4096},
			{Name: "predictions", Kind: Dense, Units: 1000},
		},
	},
	"vgg_tiny": {
		Name: "vgg_tiny",
		Base: vggBase([]int{1, 1}, []int{8, 16}),
		Top: []Layer{
			{Name: "flatten", Kind: Flatten},
			{Name: "fc1", Kind: Dense, Units: 32},
			{Name: "predictions", Kind: Dense, Units: 10},
		},
	},
}

// ArchitectureByName returns the named architecture, or an error listing the known ones.
func ArchitectureByName(name string) (*Architecture, error) {
	arch, found := Architectures[strings.ToLower(name)]
	if !found {
		known := make([]string, 0, len(Architectures))
		for k := range Architectures {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, errors.Errorf("unknown architecture %q, known architectures: %s", name, strings.Join(known, ", "))
	}
	return arch, nil
}
