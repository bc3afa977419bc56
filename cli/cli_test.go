package cli_test

import (
	"bytes"
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kojikojiprg/individual-clustering/cli"
	"github.com/kojikojiprg/individual-clustering/dataset"
)

// parsers wraps the four tools' parse functions into a common signature for
// the contract tests below.
var parsers = []struct {
	name  string
	parse func(args []string, output io.Writer) error
}{
	{"training_autoencoder", func(args []string, output io.Writer) error {
		_, err := cli.ParseAutoencoder(args, output)
		return err
	}},
	{"training", func(args []string, output io.Writer) error {
		_, err := cli.ParseTraining(args, output)
		return err
	}},
	{"prediction", func(args []string, output io.Writer) error {
		_, err := cli.ParsePrediction(args, output)
		return err
	}},
	{"evaluation", func(args []string, output io.Writer) error {
		_, err := cli.ParseEvaluation(args, output)
		return err
	}},
}

func TestHelpIsNotAnError(t *testing.T) {
	for _, tool := range parsers {
		var output bytes.Buffer
		err := tool.parse([]string{"-h"}, &output)
		require.ErrorIs(t, err, flag.ErrHelp, tool.name)
		require.False(t, cli.IsUsageError(err), tool.name)
		assert.Contains(t, output.String(), "Usage: "+tool.name, tool.name)
		assert.Contains(t, output.String(), "dataset_dir", tool.name)
	}
}

func TestMissingPositionalsAreUsageErrors(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		tool    string
		args    []string
		missing string
	}{
		{"training_autoencoder", nil, "dataset_dir"},
		{"training_autoencoder", []string{dir}, "datatype"},
		{"training", nil, "dataset_dir"},
		{"prediction", []string{dir}, "stage"},
		{"evaluation", []string{dir, "train"}, "version"},
	} {
		for _, tool := range parsers {
			if tool.name != tc.tool {
				continue
			}
			err := tool.parse(tc.args, io.Discard)
			require.Error(t, err, tc.tool)
			assert.True(t, cli.IsUsageError(err), tc.tool)
			assert.ErrorContains(t, err, tc.missing)
		}
	}
}

func TestExtraPositionalsRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := cli.ParseTraining([]string{dir, "surplus"}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))
	assert.ErrorContains(t, err, "surplus")
}

func TestEnumValuesRejected(t *testing.T) {
	dir := t.TempDir()

	_, err := cli.ParseAutoencoder([]string{dir, "rgb"}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))
	assert.ErrorContains(t, err, "rgb")

	_, err = cli.ParsePrediction([]string{dir, "validation"}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))

	_, err = cli.ParseTraining([]string{"-dt", "basketball", dir}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))
	assert.ErrorContains(t, err, "basketball")
}

func TestDatasetDirMustExist(t *testing.T) {
	_, err := cli.ParseTraining([]string{"/does/not/exist"}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))
	assert.ErrorContains(t, err, "does not exist")
}

func TestAutoencoderArgs(t *testing.T) {
	dir := t.TempDir()
	args, err := cli.ParseAutoencoder(
		[]string{"-dt", "volleyball", "-mc", "cfg.json", "--checkpoint_dir", "ckpt",
			"--log_dir", "out", "-g", "0,1", "--set", "learning_rate=1e-5", dir, "flow"},
		io.Discard)
	require.NoError(t, err)
	assert.Equal(t, dir, args.DatasetDir)
	assert.Equal(t, dataset.Volleyball, args.DatasetType)
	assert.Equal(t, dataset.Flow, args.Datatype)
	assert.Equal(t, "cfg.json", args.ModelConfig)
	assert.Equal(t, "ckpt", args.CheckpointDir)
	assert.Equal(t, "out", args.LogDir)
	assert.Equal(t, []int{0, 1}, args.GPUs)
	assert.Equal(t, "learning_rate=1e-5", args.Settings)
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	args, err := cli.ParseTraining([]string{dir}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, dataset.Collective, args.DatasetType)
	assert.Equal(t, cli.DefaultCheckpointDir, args.CheckpointDir)
	assert.Equal(t, cli.DefaultLogDir, args.LogDir)
	assert.Empty(t, args.GPUs)
	assert.Empty(t, args.Version)
}

func TestGPUList(t *testing.T) {
	dir := t.TempDir()

	// An explicitly empty list selects CPU execution.
	args, err := cli.ParseTraining([]string{"-g", "", dir}, io.Discard)
	require.NoError(t, err)
	assert.Empty(t, args.GPUs)

	args, err = cli.ParseTraining([]string{"--gpus", "2, 3", dir}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, args.GPUs)

	_, err = cli.ParseTraining([]string{"-g", "-1", dir}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))

	_, err = cli.ParseTraining([]string{"-g", "zero", dir}, io.Discard)
	require.Error(t, err)
	assert.True(t, cli.IsUsageError(err))
}

func TestEvaluationVersionIsPositional(t *testing.T) {
	dir := t.TempDir()
	args, err := cli.ParseEvaluation([]string{"-dt", "volleyball", dir, "test", "v3"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, dataset.Test, args.Stage)
	assert.Equal(t, "v3", args.Version)

	// The other tools take the version as a flag instead.
	trainingArgs, err := cli.ParseTraining([]string{"-v", "v3", dir}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "v3", trainingArgs.Version)

	predictionArgs, err := cli.ParsePrediction([]string{"--version", "v3", dir, "train"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "v3", predictionArgs.Version)
	assert.Equal(t, dataset.Train, predictionArgs.Stage)
}
