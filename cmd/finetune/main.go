// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// finetune runs the transfer-learning pipeline: it downloads a dataset of labeled images,
// prepares a base convolutional network with a new classification head, fine-tunes it,
// evaluates it and logs the run to an experiment tracking service.
//
// Usage:
//
//	finetune [-config config/config.yaml] [-params params.yaml] [-stage name] [-layers]
//	finetune -predict image.jpg [-model dir]
//
// The GoMLX backend is selected with $GOMLX_BACKEND.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gomlx/finetune/internal/config"
	"github.com/gomlx/finetune/internal/pipeline"
	"github.com/gomlx/finetune/internal/stages"
	"github.com/gomlx/finetune/pkg/network"
	"github.com/pkg/errors"
	_ "go.uber.org/automaxprocs"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig  = flag.String("config", config.DefaultSettingsPath, "Path to the settings document (paths and tracking URI).")
	flagParams  = flag.String("params", config.DefaultParamsPath, "Path to the hyperparameters document.")
	flagStage   = flag.String("stage", "", "Run only this stage, one of "+strings.Join(stages.Names, ", ")+". By default all stages are run in order.")
	flagPredict = flag.String("predict", "", "Classify this image with the trained network, instead of running the pipeline.")
	flagModel   = flag.String("model", "", "Directory of the network used by -predict or -layers. Defaults to the configured trained model path.")
	flagLayers  = flag.Bool("layers", false, "Print the layer table of the network in -model, instead of running the pipeline.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	if err != nil {
		if !loggedByPipeline(err) {
			klog.Errorf("%+v", err)
		}
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// loggedByPipeline returns whether err is a stage failure, already logged by the pipeline.
func loggedByPipeline(err error) bool {
	var stageErr *pipeline.StageError
	return errors.As(err, &stageErr)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*flagConfig, *flagParams)
	if err != nil {
		return err
	}
	klog.V(1).Infof("hyperparameters: %s", cfg.Params())
	backendFn := stages.BackendFn(sync.OnceValues(network.NewBackend))

	if *flagPredict != "" || *flagLayers {
		return inspect(cfg, backendFn)
	}

	all, err := stages.All(cfg, backendFn)
	if err != nil {
		return err
	}
	p, err := pipeline.New(all...)
	if err != nil {
		return err
	}
	var results []pipeline.Result
	if *flagStage != "" {
		results, err = p.RunStage(ctx, *flagStage)
	} else {
		results, err = p.Run(ctx)
	}
	printResults(results)
	if err == nil && (*flagStage == "" || *flagStage == stages.NameEvaluation) {
		printScores(cfg.Settings().Evaluation.ScoresFile)
	}
	return err
}

// inspect prints the layers of a saved network, or classifies an image with it.
func inspect(cfg *config.Config, backendFn stages.BackendFn) error {
	modelDir := *flagModel
	if modelDir == "" {
		modelDir = cfg.Settings().Training.TrainedModelPath
	}
	backend, err := backendFn()
	if err != nil {
		return err
	}
	if *flagLayers {
		n, err := network.Load(backend, modelDir)
		if err != nil {
			return err
		}
		return printLayers(n)
	}
	classifier, err := network.NewClassifier(backend, modelDir)
	if err != nil {
		return err
	}
	prediction, err := classifier.ClassifyFile(*flagPredict)
	if err != nil {
		return errors.WithMessagef(err, "failed to classify %q", *flagPredict)
	}
	printPrediction(*flagPredict, prediction, classifier.ClassNames())
	return nil
}
