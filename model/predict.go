package model

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/kojikojiprg/individual-clustering/config"
	"github.com/kojikojiprg/individual-clustering/dataset"
)

// PredictionRecord is one line of the predictions JSONL file: the slot id,
// its hard cluster and its embedding in the clustering space.
type PredictionRecord struct {
	SampleNum int       `json:"sample_num"`
	Cluster   int       `json:"c"`
	Embedding []float32 `json:"z"`
}

// PredictionsPath is where Predict writes, and evaluation reads, the
// predictions of one (stage, version) pair.
func PredictionsPath(logDir string, stage dataset.Stage, version string) string {
	return filepath.Join(logDir, fmt.Sprintf("predictions_%s_%s.jsonl", stage, version))
}

// LatestDeepClusterVersion returns the version of the most recently modified
// deep-clustering checkpoint under checkpointDir for the given sequence
// length, used when prediction is run without an explicit version.
func LatestDeepClusterVersion(checkpointDir string, seqLen int) (string, error) {
	prefix := DeepClusterCheckpointName(seqLen, "")
	entries, err := os.ReadDir(checkpointDir)
	if err != nil {
		return "", errors.Wrapf(err, "scanning checkpoint dir %q", checkpointDir)
	}
	var latest string
	var latestTime time.Time
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestTime) {
			latest = strings.TrimPrefix(entry.Name(), prefix)
			latestTime = info.ModTime()
		}
	}
	if latest == "" {
		return "", errors.Errorf("no deep-clustering checkpoint under %q: run training first", checkpointDir)
	}
	return latest, nil
}

// Predict loads the versioned deep-clustering checkpoint, runs it over every
// sample of ds and writes one JSONL record per valid (clip, slot) pair.
func Predict(backend backends.Backend, cfg *config.Config, ds *dataset.Dataset, checkpointDir, logDir string, stage dataset.Stage, version string) error {
	ctx := context.New()
	dir := filepath.Join(checkpointDir, DeepClusterCheckpointName(cfg.SeqLen, version))
	if !HasCheckpoints(dir) {
		return errors.Errorf("no deep-clustering checkpoint in %q: train version %q first", dir, version)
	}
	if _, err := checkpoints.Build(ctx).Dir(dir).Done(); err != nil {
		return errors.Wrapf(err, "loading checkpoint from %q", dir)
	}
	klog.Infof("Loaded deep-clustering model from %q", dir)

	exec := context.NewExec(backend, ctx,
		func(ctx *context.Context, frames, flows, boxes, mask, indices *Node) (embeddings, clusters *Node) {
			zFrame := EncoderGraph(ctx.In(ScopeForDatatype(dataset.Frame)), cfg, frames)
			zFlow := EncoderGraph(ctx.In(ScopeForDatatype(dataset.Flow)), cfg, flows)
			latent := Add(zFrame, zFlow)
			cCtx := ctx.In(ClusteringScope)
			embeddings = embeddingGraph(cCtx, cfg, latent, boxes)
			assignments := assignmentGraph(cCtx, cfg, embeddings)
			return embeddings, ArgMax(assignments, -1, dtypes.Int32)
		})

	if err := os.MkdirAll(logDir, 0o777); err != nil {
		return errors.Wrapf(err, "creating log dir %q", logDir)
	}
	outPath := PredictionsPath(logDir, stage, version)
	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "creating predictions file %q", outPath)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	pass := ds.Copy().WithModalities(true, true).BatchSize(cfg.EvalBatchSize)
	pass.Reset()
	bar := progressbar.Default(int64(pass.NumSamples()), "predicting")
	maxBoxes := cfg.MaxBoxes
	ndf := cfg.Clustering.Ndf
	written := 0
	for {
		_, inputs, _, yieldErr := pass.Yield()
		if yieldErr == io.EOF {
			break
		}
		if yieldErr != nil {
			return errors.Wrap(yieldErr, "loading prediction batch")
		}
		outputs := exec.Call(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4])
		embeddings, clusters := outputs[0], outputs[1]
		var encErr error
		tensors.ConstFlatData[float32](embeddings, func(z []float32) {
			tensors.ConstFlatData[int32](clusters, func(c []int32) {
				tensors.ConstFlatData[float32](inputs[3], func(mask []float32) {
					tensors.ConstFlatData[int32](inputs[4], func(clips []int32) {
						for b := range clips {
							for slot := 0; slot < maxBoxes; slot++ {
								pos := b*maxBoxes + slot
								if mask[pos] == 0 {
									continue
								}
								record := PredictionRecord{
									SampleNum: int(clips[b])*maxBoxes + slot,
									Cluster:   int(c[pos]),
									Embedding: append([]float32(nil), z[pos*ndf:(pos+1)*ndf]...),
								}
								if err := enc.Encode(&record); err != nil && encErr == nil {
									encErr = err
								}
								written++
							}
						}
						_ = bar.Add(len(clips))
					})
				})
			})
		})
		if encErr != nil {
			return errors.Wrapf(encErr, "writing predictions to %q", outPath)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "flushing predictions to %q", outPath)
	}
	klog.Infof("Wrote %d predictions to %q", written, outPath)
	return nil
}

// ReadPredictions loads a predictions JSONL file back, in file order.
func ReadPredictions(path string) ([]PredictionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening predictions file %q", path)
	}
	defer f.Close()
	var records []PredictionRecord
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var record PredictionRecord
		if err := dec.Decode(&record); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrapf(err, "parsing predictions file %q", path)
		}
		records = append(records, record)
	}
	return records, nil
}
