// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/internal/pipeline"
	"github.com/gomlx/finetune/internal/stages"
	"github.com/gomlx/finetune/pkg/network"
	"github.com/gomlx/gomlx/ui/commandline"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F55")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newTable with a header row, alternate row colors, and the first column right aligned.
// Rows for which highlight returns true are rendered with failedStyle.
func newTable(highlight func(row int) bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case highlight != nil && highlight(row):
				s = failedStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// printResults prints the status of each stage of the run.
func printResults(results []pipeline.Result) {
	if len(results) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Pipeline"))
	table := newTable(func(row int) bool {
		return row >= 0 && row < len(results) && results[row].Status == pipeline.StatusFailed
	})
	table.Headers("Stage", "Status", "Duration", "Error")
	for _, r := range results {
		duration, errMsg := "", ""
		if r.Status != pipeline.StatusNotRun {
			duration = commandline.FormatDuration(r.Duration)
		}
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		table.Row(r.Stage, string(r.Status), duration, errMsg)
	}
	fmt.Println(table.Render())
}

// printScores prints the scores file written by the evaluation stage, if any.
func printScores(path string) {
	scores, err := stages.ReadScores(path)
	if err != nil {
		return
	}
	fmt.Println(titleStyle.Render("Scores"))
	table := newTable(nil)
	table.Headers("Metric", "Value")
	table.Row("loss", fmt.Sprintf("%.4f", scores.Loss))
	table.Row("accuracy", fmt.Sprintf("%.2f%%", 100*scores.Accuracy))
	fmt.Println(table.Render())
}

// printLayers prints the layer table of a saved network.
func printLayers(n *network.Network) error {
	summary, err := n.Summary()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render("Layers"))
	table := newTable(nil)
	table.Headers("Layer", "Scope", "Kind", "State", "Params")
	for _, layer := range summary {
		state := "trainable"
		if !layer.Trainable {
			state = "frozen"
		}
		table.Row(layer.Name, layer.Scope, layer.Kind.String(), state, humanize.Comma(int64(layer.Params)))
	}
	fmt.Println(table.Render())
	return nil
}

// printPrediction prints the class probabilities of one image.
func printPrediction(path string, p network.Prediction, classNames []string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %s", path, p.ClassName)))
	table := newTable(func(row int) bool { return row == p.Class })
	table.Headers("Class", "Name", "Probability")
	for ii, prob := range p.Probabilities {
		name := ""
		if ii < len(classNames) {
			name = classNames[ii]
		}
		table.Row(fmt.Sprint(ii), name, fmt.Sprintf("%.2f%%", 100*prob))
	}
	fmt.Println(table.Render())
}
