// The training_autoencoder command pre-trains the convolutional autoencoder
// of one modality (RGB frames or optical flow) on a dataset's training
// split. The resulting checkpoint seeds the deep-clustering training.
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
	args, err := cli.ParseAutoencoder(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = exceptions.TryCatch[error](func() { must.M(run(args)) })
	if err != nil {
		klog.Exitf("training_autoencoder: %+v", err)
	}
}

func run(args *cli.AutoencoderArgs) error {
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
	backend := model.NewBackend(args.GPUs)
	return model.TrainAutoencoder(backend, cfg, ds, args.Datatype, args.CheckpointDir, args.Settings)
}
