package model

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kojikojiprg/individual-clustering/config"
	"github.com/kojikojiprg/individual-clustering/dataset"
)

// shuffleSeed makes training epochs reproducible across runs.
const shuffleSeed = 42

// NewVersion creates a fresh version tag for a deep-clustering training run,
// used when none is given on the command line.
func NewVersion() string {
	return uuid.NewString()[:8]
}

// NewBackend creates the backend the models run on. With an empty gpus list
// the default backend selection applies (GOMLX_BACKEND environment variable,
// then the first registered backend). A non-empty list restricts CUDA to
// those devices and requests the cuda PJRT plugin.
func NewBackend(gpus []int) backends.Backend {
	if len(gpus) == 0 {
		return backends.New()
	}
	ids := make([]string, len(gpus))
	for i, gpu := range gpus {
		ids[i] = strconv.Itoa(gpu)
	}
	os.Setenv("CUDA_VISIBLE_DEVICES", strings.Join(ids, ","))
	return backends.NewWithConfig("xla:cuda")
}

// AutoencoderCheckpointName is the checkpoint subdirectory of one
// modality's pre-trained autoencoder.
func AutoencoderCheckpointName(dt dataset.Datatype, seqLen int) string {
	return fmt.Sprintf("ae_%s_seq%d", dt, seqLen)
}

// DeepClusterCheckpointName is the checkpoint subdirectory of one
// deep-clustering training run.
func DeepClusterCheckpointName(seqLen int, version string) string {
	return fmt.Sprintf("dcm_seq%d_%s", seqLen, version)
}

// HasCheckpoints reports whether dir holds any checkpoint files.
func HasCheckpoints(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func newTrainContext(cfg *config.Config, learningRate float64, settings string) (*context.Context, error) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: learningRate,
		ParamLambdaClustering:        cfg.Optim.LambdaClustering,
	})
	if settings != "" {
		paramsSet, err := commandline.ParseContextSettings(ctx, settings)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing settings %q", settings)
		}
		klog.Infof("Hyperparameters overridden: %v", paramsSet)
	}
	return ctx, nil
}

func attachCheckpointSaver(loop *train.Loop, checkpoint *checkpoints.Handler, cfg *config.Config) {
	period := time.Duration(cfg.CheckpointPeriodSeconds) * time.Second
	train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			return checkpoint.Save()
		})
}

// TrainAutoencoder pre-trains one modality's autoencoder on base's training
// split, checkpointing under checkpointDir. Training resumes from the last
// checkpoint of the same datatype and sequence length, if any.
func TrainAutoencoder(backend backends.Backend, cfg *config.Config, base *dataset.Dataset, dt dataset.Datatype, checkpointDir, settings string) error {
	ctx, err := newTrainContext(cfg, cfg.Optim.LRAutoencoder, settings)
	if err != nil {
		return err
	}
	dir := filepath.Join(checkpointDir, AutoencoderCheckpointName(dt, cfg.SeqLen))
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(cfg.NumCheckpoints).Done()
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint in %q", dir)
	}
	klog.Infof("Checkpointing %s autoencoder to %q", dt, checkpoint.Dir())

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Resuming training from global_step=%d", globalStep)
		ctx = ctx.Reuse()
	}
	steps := cfg.TrainSteps - globalStep
	if steps <= 0 {
		klog.Infof("Nothing to do: checkpoint already trained for %d steps", globalStep)
		return nil
	}

	withFrames, withFlows := dt == dataset.Frame, dt == dataset.Flow
	trainDS := base.Copy().WithModalities(withFrames, withFlows).
		BatchSize(cfg.BatchSize).
		Shuffle(rand.New(rand.NewSource(shuffleSeed))).
		Infinite(true)
	evalDS := base.Copy().WithModalities(withFrames, withFlows).
		BatchSize(cfg.EvalBatchSize)

	trainer := train.NewTrainer(backend, ctx, AutoencoderModelFn(cfg, dt),
		losses.MeanSquaredError, optimizers.FromContext(ctx), nil, nil)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	attachCheckpointSaver(loop, checkpoint, cfg)

	parallelDS := data.CustomParallel(trainDS).Buffer(cfg.BatchSize).Start()
	if _, err = loop.RunSteps(parallelDS, steps); err != nil {
		return errors.Wrap(err, "training autoencoder")
	}
	if err = checkpoint.Save(); err != nil {
		return errors.Wrap(err, "saving final checkpoint")
	}
	if err = commandline.ReportEval(trainer, evalDS); err != nil {
		return errors.Wrap(err, "evaluating autoencoder")
	}
	return nil
}

// refreshDue reports whether the target distribution is recomputed at step:
// every interval steps once the clustering loss is active.
func refreshDue(step, startStep, interval int) bool {
	return step >= startStep && (step-startStep)%interval == 0
}

// targetRefresher recomputes the stored target distribution from the soft
// assignments of a full sequential pass over the dataset. Padded slots keep
// all-zero rows, so their clustering loss stays zero.
type targetRefresher struct {
	cfg *config.Config
	ctx *context.Context
	ds  *dataset.Dataset

	assignExec *context.Exec
	targetExec *Exec
}

func newTargetRefresher(backend backends.Backend, ctx *context.Context, cfg *config.Config, ds *dataset.Dataset) *targetRefresher {
	return &targetRefresher{
		cfg: cfg,
		ctx: ctx,
		ds:  ds,
		assignExec: context.NewExec(backend, ctx.Reuse(),
			func(ctx *context.Context, frames, flows, boxes, mask, indices *Node) *Node {
				zFrame := EncoderGraph(ctx.In(ScopeForDatatype(dataset.Frame)), cfg, frames)
				zFlow := EncoderGraph(ctx.In(ScopeForDatatype(dataset.Flow)), cfg, flows)
				return AssignmentsGraph(ctx, cfg, Add(zFrame, zFlow), boxes)
			}),
		targetExec: NewExec(backend, TargetDistributionFromAssignments),
	}
}

func (r *targetRefresher) refresh() error {
	k := r.cfg.Clustering.NClusters
	maxBoxes := r.cfg.MaxBoxes
	nSlots := r.ds.NumSlots()
	flat := make([]float32, nSlots*k)

	r.ds.Reset()
	for {
		_, inputs, _, err := r.ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "target distribution pass")
		}
		assignments := r.assignExec.Call(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4])[0]
		tensors.ConstFlatData[float32](assignments, func(s []float32) {
			tensors.ConstFlatData[float32](inputs[3], func(mask []float32) {
				tensors.ConstFlatData[int32](inputs[4], func(clips []int32) {
					for b := range clips {
						for slot := 0; slot < maxBoxes; slot++ {
							if mask[b*maxBoxes+slot] == 0 {
								continue
							}
							sampleNum := int(clips[b])*maxBoxes + slot
							copy(flat[sampleNum*k:(sampleNum+1)*k],
								s[(b*maxBoxes+slot)*k:(b*maxBoxes+slot+1)*k])
						}
					}
				})
			})
		})
	}

	target := r.targetExec.Call(tensors.FromFlatDataAndDimensions(flat, nSlots, k))[0]
	TargetDistributionVar(r.ctx, nSlots, k).SetValue(target)
	return nil
}

// TrainDeepClustering trains the deep-clustering model on base's training
// split under the given version tag. A fresh run initializes the
// autoencoders from their pre-trained checkpoints when available; a run
// whose versioned checkpoint already exists resumes from it instead.
func TrainDeepClustering(backend backends.Backend, cfg *config.Config, base *dataset.Dataset, checkpointDir, version, settings string) error {
	ctx, err := newTrainContext(cfg, cfg.Optim.LRAutoencoder, settings)
	if err != nil {
		return err
	}
	dcmDir := filepath.Join(checkpointDir, DeepClusterCheckpointName(cfg.SeqLen, version))
	fresh := !HasCheckpoints(dcmDir)
	if fresh {
		for _, dt := range []dataset.Datatype{dataset.Frame, dataset.Flow} {
			aeDir := filepath.Join(checkpointDir, AutoencoderCheckpointName(dt, cfg.SeqLen))
			if !HasCheckpoints(aeDir) {
				klog.Warningf("No pre-trained %s autoencoder in %q, starting from random weights", dt, aeDir)
				continue
			}
			if _, err := checkpoints.Build(ctx).Dir(aeDir).ExcludeParams().Done(); err != nil {
				return errors.Wrapf(err, "loading pre-trained %s autoencoder from %q", dt, aeDir)
			}
			klog.Infof("Loaded pre-trained %s autoencoder from %q", dt, aeDir)
		}
	}
	checkpoint, err := checkpoints.Build(ctx).Dir(dcmDir).Keep(cfg.NumCheckpoints).Done()
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint in %q", dcmDir)
	}
	klog.Infof("Checkpointing deep-clustering model to %q", checkpoint.Dir())

	nSlots := base.NumSlots()
	k := cfg.Clustering.NClusters
	gateVar := ClusteringGateVar(ctx)
	targetVar := TargetDistributionVar(ctx, nSlots, k)
	if fresh {
		// The autoencoder checkpoints carry their own global step; the
		// deep-clustering run counts from zero.
		optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromScalar(int64(0)))
		gateVar.SetValue(tensors.FromScalar(float32(0)))
		targetVar.SetValue(tensors.FromFlatDataAndDimensions(make([]float32, nSlots*k), nSlots, k))
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Resuming training from global_step=%d", globalStep)
		ctx = ctx.Reuse()
	}
	steps := cfg.TrainSteps - globalStep
	if steps <= 0 {
		klog.Infof("Nothing to do: checkpoint already trained for %d steps", globalStep)
		return nil
	}

	trainDS := base.Copy().WithModalities(true, true).
		BatchSize(cfg.BatchSize).
		Shuffle(rand.New(rand.NewSource(shuffleSeed))).
		Infinite(true)
	refreshDS := base.Copy().WithModalities(true, true).BatchSize(cfg.EvalBatchSize)
	evalDS := base.Copy().WithModalities(true, true).BatchSize(cfg.EvalBatchSize)

	trainer := train.NewTrainer(backend, ctx, DeepClusterModelFn(cfg, nSlots),
		nil, optimizers.FromContext(ctx), nil, DeepClusterMetrics())
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	attachCheckpointSaver(loop, checkpoint, cfg)

	refresher := newTargetRefresher(backend, ctx, cfg, refreshDS)
	active := false
	train.EveryNSteps(loop, 1, "deep clustering schedule", 20,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			step := loop.LoopStep
			if step < cfg.ClusteringStartStep {
				return nil
			}
			if !active {
				active = true
				gateVar.SetValue(tensors.FromScalar(float32(1)))
				klog.Infof("Clustering loss enabled at step %d", step)
			}
			if refreshDue(step, cfg.ClusteringStartStep, cfg.UpdateInterval) {
				return refresher.refresh()
			}
			return nil
		})

	parallelDS := data.CustomParallel(trainDS).Buffer(cfg.BatchSize).Start()
	if _, err = loop.RunSteps(parallelDS, steps); err != nil {
		return errors.Wrap(err, "training deep-clustering model")
	}
	if active {
		// The checkpoint keeps the target distribution recomputed from the
		// final weights, not the one of the last interval boundary.
		if err = refresher.refresh(); err != nil {
			return errors.Wrap(err, "refreshing target distribution")
		}
	}
	if err = checkpoint.Save(); err != nil {
		return errors.Wrap(err, "saving final checkpoint")
	}
	if err = commandline.ReportEval(trainer, evalDS); err != nil {
		return errors.Wrap(err, "evaluating deep-clustering model")
	}
	return nil
}
