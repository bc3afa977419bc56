// The prediction command runs a trained deep-clustering model over a
// dataset stage and writes one JSONL record per individual: its slot id,
// embedding and hard cluster.
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
	args, err := cli.ParsePrediction(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = exceptions.TryCatch[error](func() { must.M(run(args)) })
	if err != nil {
		klog.Exitf("prediction: %+v", err)
	}
}

func run(args *cli.PredictionArgs) error {
	cfg := config.Default()
	if args.ModelConfig != "" {
		var err error
		if cfg, err = config.LoadDir(args.ModelConfig, args.DatasetType); err != nil {
			return err
		}
	}
	ds, err := dataset.Load(args.DatasetDir, args.DatasetType, args.Stage, cfg.DatasetConfig())
	if err != nil {
		return err
	}
	klog.Infof("Loaded %d %s samples from %q", ds.NumSamples(), args.Stage, args.DatasetDir)

	version := args.Version
	if version == "" {
		if version, err = model.LatestDeepClusterVersion(args.CheckpointDir, cfg.SeqLen); err != nil {
			return err
		}
		klog.Infof("No version given, using latest trained version %q", version)
	}
	backend := model.NewBackend(args.GPUs)
	return model.Predict(backend, cfg, ds, args.CheckpointDir, args.LogDir, args.Stage, version)
}
