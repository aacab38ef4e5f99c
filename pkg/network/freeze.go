// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

// FreezePolicy selects which base layers are frozen (not trainable) during fine-tuning.
//
// FreezeAll freezes every layer and takes precedence over FreezeTill. Otherwise, FreezeTill=N > 0
// freezes all layers except the last N ones; N >= number of layers freezes nothing. With FreezeAll
// unset and FreezeTill 0 every layer is trainable.
type FreezePolicy struct {
	FreezeAll  bool
	FreezeTill int
}

// Trainable returns, for each layer, whether it remains trainable.
func (p FreezePolicy) Trainable(layers []string) []bool {
	trainable := make([]bool, len(layers))
	if p.FreezeAll {
		return trainable
	}
	numFrozen := 0
	if p.FreezeTill > 0 {
		numFrozen = max(len(layers)-p.FreezeTill, 0)
	}
	for ii := numFrozen; ii < len(layers); ii++ {
		trainable[ii] = true
	}
	return trainable
}

// Frozen returns the names of the layers frozen by the policy, in order.
func (p FreezePolicy) Frozen(layers []string) []string {
	var frozen []string
	for ii, trainable := range p.Trainable(layers) {
		if !trainable {
			frozen = append(frozen, layers[ii])
		}
	}
	return frozen
}
