// Package cli defines the command-line contracts of the four tools:
// training_autoencoder, training, prediction and evaluation.
//
// Each tool has its own Parse function built on a flag.FlagSet, so the
// argument surface can be unit-tested without spawning processes. The mains
// under cmd/ are thin wrappers around these.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kojikojiprg/individual-clustering/dataset"
)

// Args holds the arguments shared by all four tools.
type Args struct {
	DatasetDir  string
	DatasetType dataset.Type

	// ModelConfig is the path given with -mc: a configuration file for
	// training_autoencoder, a configuration directory for the other tools.
	ModelConfig string
}

// TrainerArgs holds the arguments of the tools that run or load models
// (training_autoencoder, training and prediction).
type TrainerArgs struct {
	Args
	CheckpointDir string
	LogDir        string
	GPUs          []int
}

// AutoencoderArgs are the arguments of the training_autoencoder tool.
type AutoencoderArgs struct {
	TrainerArgs
	Datatype dataset.Datatype

	// Settings are context hyperparameter overrides, applied over the model
	// configuration (commandline.ParseContextSettings syntax).
	Settings string
}

// TrainingArgs are the arguments of the training tool.
type TrainingArgs struct {
	TrainerArgs
	Version  string
	Settings string
}

// PredictionArgs are the arguments of the prediction tool.
type PredictionArgs struct {
	TrainerArgs
	Stage   dataset.Stage
	Version string
}

// EvaluationArgs are the arguments of the evaluation tool. Unlike the other
// tools, version is a positional argument here and always required.
type EvaluationArgs struct {
	Args
	Stage   dataset.Stage
	Version string
}

const (
	DefaultCheckpointDir = "models"
	DefaultLogDir        = "logs"
)

// UsageError marks a bad invocation: the caller should print usage and exit
// with code 2, matching flag.ExitOnError behavior.
type UsageError struct {
	error
}

func usageErrorf(format string, args ...any) error {
	return UsageError{errors.Errorf(format, args...)}
}

// IsUsageError reports whether err came from argument validation, as opposed
// to a runtime failure.
func IsUsageError(err error) bool {
	var uErr UsageError
	return errors.As(err, &uErr)
}

// gpuList implements flag.Value for the -g/--gpus option: a comma-separated
// list of device ordinals, which may be empty (CPU execution).
type gpuList struct {
	ids *[]int
}

func (g gpuList) String() string {
	if g.ids == nil {
		return ""
	}
	parts := make([]string, len(*g.ids))
	for i, id := range *g.ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func (g gpuList) Set(value string) error {
	*g.ids = (*g.ids)[:0]
	if strings.TrimSpace(value) == "" {
		return nil
	}
	for _, part := range strings.Split(value, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return errors.Errorf("invalid gpu id %q", part)
		}
		if id < 0 {
			return errors.Errorf("gpu id must be >= 0, got %d", id)
		}
		*g.ids = append(*g.ids, id)
	}
	return nil
}

func newFlagSet(name string, output io.Writer, positional ...string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] %s\n\nOptions:\n",
			name, strings.Join(positional, " "))
		fs.PrintDefaults()
	}
	return fs
}

func (a *Args) register(fs *flag.FlagSet, datasetTypeStr *string) {
	fs.StringVar(datasetTypeStr, "dt", dataset.Collective.String(),
		fmt.Sprintf("Dataset type, one of %q.", dataset.TypeNames()))
	fs.StringVar(datasetTypeStr, "dataset_type", dataset.Collective.String(),
		"Alias for -dt.")
}

func (a *TrainerArgs) register(fs *flag.FlagSet, datasetTypeStr *string) {
	a.Args.register(fs, datasetTypeStr)
	fs.StringVar(&a.CheckpointDir, "checkpoint_dir", DefaultCheckpointDir,
		"Directory to save and load model checkpoints from.")
	fs.StringVar(&a.LogDir, "log_dir", DefaultLogDir,
		"Directory for run logs and prediction outputs.")
	fs.Var(gpuList{&a.GPUs}, "g",
		"Comma-separated list of GPU ids to use. Empty for CPU.")
	fs.Var(gpuList{&a.GPUs}, "gpus", "Alias for -g.")
}

// resolve validates the parts shared by every tool after flag parsing.
func (a *Args) resolve(datasetDir, datasetTypeStr string) error {
	dsType, err := dataset.ParseType(datasetTypeStr)
	if err != nil {
		return usageErrorf("%v", err)
	}
	a.DatasetType = dsType
	a.DatasetDir = datasetDir
	info, err := os.Stat(datasetDir)
	if err != nil {
		if os.IsNotExist(err) {
			return usageErrorf("dataset_dir %q does not exist", datasetDir)
		}
		return errors.Wrapf(err, "checking dataset_dir %q", datasetDir)
	}
	if !info.IsDir() {
		return usageErrorf("dataset_dir %q is not a directory", datasetDir)
	}
	return nil
}

func positionals(fs *flag.FlagSet, names ...string) ([]string, error) {
	got := fs.Args()
	if len(got) < len(names) {
		return nil, usageErrorf("missing required argument %q", names[len(got)])
	}
	if len(got) > len(names) {
		return nil, usageErrorf("unexpected extra arguments %q", got[len(names):])
	}
	return got, nil
}

func parseError(fs *flag.FlagSet, err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return err // Propagated so mains exit 0.
	}
	return UsageError{err}
}

// ParseAutoencoder parses arguments for the training_autoencoder tool:
//
//	training_autoencoder [options] dataset_dir datatype{frame,flow}
func ParseAutoencoder(args []string, output io.Writer) (*AutoencoderArgs, error) {
	fs := newFlagSet("training_autoencoder", output, "dataset_dir", "datatype{frame,flow}")
	parsed := &AutoencoderArgs{}
	var datasetTypeStr string
	parsed.TrainerArgs.register(fs, &datasetTypeStr)
	fs.StringVar(&parsed.ModelConfig, "mc", "",
		"Path of the model configuration file.")
	fs.StringVar(&parsed.ModelConfig, "model_config_path", "", "Alias for -mc.")
	fs.StringVar(&parsed.Settings, "set", "",
		"Hyperparameter overrides, e.g. \"learning_rate=1e-5;optimizer=adamw\".")
	if err := fs.Parse(args); err != nil {
		return nil, parseError(fs, err)
	}
	pos, err := positionals(fs, "dataset_dir", "datatype")
	if err != nil {
		return nil, err
	}
	if err := parsed.resolve(pos[0], datasetTypeStr); err != nil {
		return nil, err
	}
	parsed.Datatype, err = dataset.ParseDatatype(pos[1])
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	return parsed, nil
}

// ParseTraining parses arguments for the training tool:
//
//	training [options] dataset_dir
func ParseTraining(args []string, output io.Writer) (*TrainingArgs, error) {
	fs := newFlagSet("training", output, "dataset_dir")
	parsed := &TrainingArgs{}
	var datasetTypeStr string
	parsed.TrainerArgs.register(fs, &datasetTypeStr)
	fs.StringVar(&parsed.ModelConfig, "mc", "",
		"Directory of the model configuration files.")
	fs.StringVar(&parsed.ModelConfig, "model_config_dir", "", "Alias for -mc.")
	fs.StringVar(&parsed.Version, "v", "",
		"Version identifier for this training run. A fresh one is generated if empty.")
	fs.StringVar(&parsed.Version, "version", "", "Alias for -v.")
	fs.StringVar(&parsed.Settings, "set", "",
		"Hyperparameter overrides, e.g. \"learning_rate=1e-5;lmd_cm=0.2\".")
	if err := fs.Parse(args); err != nil {
		return nil, parseError(fs, err)
	}
	pos, err := positionals(fs, "dataset_dir")
	if err != nil {
		return nil, err
	}
	if err := parsed.resolve(pos[0], datasetTypeStr); err != nil {
		return nil, err
	}
	return parsed, nil
}

// ParsePrediction parses arguments for the prediction tool:
//
//	prediction [options] dataset_dir stage{train,test}
func ParsePrediction(args []string, output io.Writer) (*PredictionArgs, error) {
	fs := newFlagSet("prediction", output, "dataset_dir", "stage{train,test}")
	parsed := &PredictionArgs{}
	var datasetTypeStr string
	parsed.TrainerArgs.register(fs, &datasetTypeStr)
	fs.StringVar(&parsed.ModelConfig, "mc", "",
		"Directory of the model configuration files.")
	fs.StringVar(&parsed.ModelConfig, "model_config_dir", "", "Alias for -mc.")
	fs.StringVar(&parsed.Version, "v", "",
		"Version of the trained model to load. Defaults to the latest trained version.")
	fs.StringVar(&parsed.Version, "version", "", "Alias for -v.")
	if err := fs.Parse(args); err != nil {
		return nil, parseError(fs, err)
	}
	pos, err := positionals(fs, "dataset_dir", "stage")
	if err != nil {
		return nil, err
	}
	if err := parsed.resolve(pos[0], datasetTypeStr); err != nil {
		return nil, err
	}
	parsed.Stage, err = dataset.ParseStage(pos[1])
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	return parsed, nil
}

// ParseEvaluation parses arguments for the evaluation tool:
//
//	evaluation [options] dataset_dir stage{train,test} version
func ParseEvaluation(args []string, output io.Writer) (*EvaluationArgs, error) {
	fs := newFlagSet("evaluation", output, "dataset_dir", "stage{train,test}", "version")
	parsed := &EvaluationArgs{}
	var datasetTypeStr string
	parsed.Args.register(fs, &datasetTypeStr)
	fs.StringVar(&parsed.ModelConfig, "mc", "",
		"Directory of the model configuration files.")
	fs.StringVar(&parsed.ModelConfig, "model_config_dir", "", "Alias for -mc.")
	if err := fs.Parse(args); err != nil {
		return nil, parseError(fs, err)
	}
	pos, err := positionals(fs, "dataset_dir", "stage", "version")
	if err != nil {
		return nil, err
	}
	if err := parsed.resolve(pos[0], datasetTypeStr); err != nil {
		return nil, err
	}
	parsed.Stage, err = dataset.ParseStage(pos[1])
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	if pos[2] == "" {
		return nil, usageErrorf("version must not be empty")
	}
	parsed.Version = pos[2]
	return parsed, nil
}
