package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/kojikojiprg/individual-clustering/config"
	"github.com/kojikojiprg/individual-clustering/dataset"
)

// Hyperparameter keys of the deep-clustering model, settable with
// --set (commandline.ParseContextSettings) on top of the model config file.
const (
	ParamLambdaClustering = "lmd_cm"
)

// Indices of the deep-clustering model's predictions slice.
const (
	PredReconFrame = iota
	PredReconFlow
	PredEmbeddings
	PredAssignments
	PredClusters
	PredSampleNums
	numPredictions
)

// trainStateScope holds non-trained scalars flipped by loop callbacks.
const trainStateScope = "train_state"

// ClusteringGateVar returns (creating if needed) the scalar variable gating
// the clustering loss. It starts at 0 and is set to 1 once the warm-up
// steps are done, mirroring the clustering start epoch of DEC training.
func ClusteringGateVar(ctx *context.Context) *context.Variable {
	v := ctx.Checked(false).In(trainStateScope).
		VariableWithShape(ClusteringGateName, shapes.Make(dtypes.Float32))
	v.SetTrainable(false)
	return v
}

// DeepClusterGraph builds the full model over one batch: both autoencoders,
// the clustering head over the sum of their latents, and the reconstruction
// and gated clustering losses. Inputs follow dataset.Dataset.Yield with both
// modalities enabled: frames, flows, boxes, mask, indices.
func DeepClusterGraph(ctx *context.Context, cfg *config.Config, nSlots int, inputs []*Node) []*Node {
	frames, flows, boxes, mask, indices := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	g := frames.Graph()
	seqLen := frames.Shape().Dimensions[1]

	zFrame, reconFrame := AutoencoderGraph(ctx, cfg, dataset.Frame, frames)
	zFlow, reconFlow := AutoencoderGraph(ctx, cfg, dataset.Flow, flows)

	lastOf := func(windows *Node) *Node {
		dims := windows.Shape().Dimensions
		last := Slice(windows, AxisRange(), AxisRange(seqLen-1, seqLen))
		return Reshape(last, dims[0], dims[2], dims[3], dims[4])
	}
	train.AddLoss(ctx, losses.MeanSquaredError([]*Node{lastOf(frames)}, []*Node{reconFrame}))
	train.AddLoss(ctx, losses.MeanSquaredError([]*Node{lastOf(flows)}, []*Node{reconFlow}))

	// The clustering head reads the latents but its loss does not reach back
	// into the encoders; reconstruction alone shapes the latent space, as in
	// training the heads with separate optimizers.
	latent := Add(StopGradient(zFrame), StopGradient(zFlow))
	out := ClusteringGraph(ctx, cfg, nSlots, latent, boxes, mask, indices)

	lambda := context.GetParamOr(ctx, ParamLambdaClustering, cfg.Optim.LambdaClustering)
	gate := ClusteringGateVar(ctx).ValueGraph(g)
	train.AddLoss(ctx, Mul(gate, MulScalar(out.KLLoss, lambda)))

	predictions := make([]*Node, numPredictions)
	predictions[PredReconFrame] = reconFrame
	predictions[PredReconFlow] = reconFlow
	predictions[PredEmbeddings] = out.Embeddings
	predictions[PredAssignments] = out.Assignments
	predictions[PredClusters] = out.Clusters
	predictions[PredSampleNums] = SampleNumsGraph(indices, cfg.MaxBoxes)
	return predictions
}

// DeepClusterModelFn adapts DeepClusterGraph to the trainer. The trainer's
// loss function is nil: all losses are added inside the graph.
func DeepClusterModelFn(cfg *config.Config, nSlots int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return DeepClusterGraph(ctx, cfg, nSlots, inputs)
	}
}

// reconMetric builds a mean MSE metric between a labels entry and the
// matching reconstruction prediction.
func reconMetric(name, short string, labelIdx, predIdx int) metrics.Interface {
	return metrics.NewMeanMetric(name, short, "mse",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return losses.MeanSquaredError(
				[]*Node{labels[labelIdx]}, []*Node{predictions[predIdx]})
		}, nil)
}

// DeepClusterMetrics are the evaluation metrics reported during
// deep-clustering training.
func DeepClusterMetrics() []metrics.Interface {
	return []metrics.Interface{
		reconMetric("Frame Reconstruction MSE", "frame_mse", 0, PredReconFrame),
		reconMetric("Flow Reconstruction MSE", "flow_mse", 1, PredReconFlow),
	}
}
