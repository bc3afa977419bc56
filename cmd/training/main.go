// The training command trains the deep-clustering model: both pre-trained
// autoencoders plus the clustering head, jointly, on a dataset's training
// split. Each run is tagged with a version; a fresh tag is generated when
// none is given.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/kojikojiprg/individual-clustering/cli"
	"github.com/kojikojiprg/individual-clustering/config"
	"github.com/kojikojiprg/individual-clustering/dataset"
	"github.com/kojikojiprg/individual-clustering/model"
)

func main() {
	args, err := cli.ParseTraining(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = exceptions.TryCatch[error](func() { must.M(run(args)) })
	if err != nil {
		klog.Exitf("training: %+v", err)
	}
}

func run(args *cli.TrainingArgs) error {
	cfg := config.Default()
	if args.ModelConfig != "" {
		var err error
		if cfg, err = config.LoadDir(args.ModelConfig, args.DatasetType); err != nil {
			return err
		}
	}
	ds, err := dataset.Load(args.DatasetDir, args.DatasetType, dataset.Train, cfg.DatasetConfig())
	if err != nil {
		return err
	}
	klog.Infof("Loaded %d training samples from %q", ds.NumSamples(), args.DatasetDir)

	version := args.Version
	if version == "" {
		version = model.NewVersion()
		klog.Infof("Generated version %q for this run", version)
	}
	backend := model.NewBackend(args.GPUs)
	return model.TrainDeepClustering(backend, cfg, ds, args.CheckpointDir, version, args.Settings)
}
