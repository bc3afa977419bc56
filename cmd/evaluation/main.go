// The evaluation command scores a prediction run against a dataset's action
// annotations: cluster purity, normalized mutual information and the
// adjusted Rand index, with a per-cluster composition table.
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
	"github.com/kojikojiprg/individual-clustering/eval"
	"github.com/kojikojiprg/individual-clustering/model"
)

func main() {
	args, err := cli.ParseEvaluation(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	err = exceptions.TryCatch[error](func() { must.M(run(args)) })
	if err != nil {
		klog.Exitf("evaluation: %+v", err)
	}
}

func run(args *cli.EvaluationArgs) error {
	if args.DatasetType == dataset.Video {
		return errors.New("the video layout carries no action annotations and cannot be evaluated")
	}
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

	predictionsPath := model.PredictionsPath(cli.DefaultLogDir, args.Stage, args.Version)
	records, err := model.ReadPredictions(predictionsPath)
	if err != nil {
		return err
	}
	klog.Infof("Read %d predictions from %q", len(records), predictionsPath)

	result, table, err := eval.Evaluate(ds, records)
	if err != nil {
		return err
	}
	result.Stage = args.Stage.String()
	result.Version = args.Version

	fmt.Println(table)
	fmt.Printf("slots=%d clusters=%d classes=%d\n", result.NumSlots, result.NumClusters, result.NumClasses)
	fmt.Printf("purity=%.4f nmi=%.4f ari=%.4f\n", result.Purity, result.NMI, result.ARI)

	resultPath := eval.ResultPath(cli.DefaultLogDir, args.Stage, args.Version)
	if err := eval.WriteResult(resultPath, result); err != nil {
		return err
	}
	klog.Infof("Wrote evaluation result to %q", resultPath)
	return nil
}
