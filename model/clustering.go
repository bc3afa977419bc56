package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/kojikojiprg/individual-clustering/config"
)

// Context scope and variable names of the clustering head. The target
// distribution and the gate are state (not trained by gradients): the target
// is refreshed by a periodic full-dataset pass and the gate is flipped once
// the warm-up steps are done.
const (
	ClusteringScope    = "clustering"
	CentroidsVarName   = "centroids"
	TargetDistVarName  = "target_distribution"
	ClusteringGateName = "clustering_gate"
)

const distEpsilon = 1e-10

// ClusteringOutput groups the graph nodes produced by the clustering head
// for one batch.
type ClusteringOutput struct {
	Embeddings  *Node // [batch, max_boxes, ndf]
	Assignments *Node // [batch, max_boxes, n_clusters], soft, rows sum to 1
	Clusters    *Node // [batch, max_boxes], int32 hard assignment
	KLLoss      *Node // scalar, masked mean KL(target || assignment)
}

// roiPoolGraph samples each box's region of the latent map on an
// output_size x output_size grid of nearest latent cells, a cheap stand-in
// for bilinear RoI alignment. latent is [batch, lh, lw, channels], boxes are
// [batch, max_boxes, 4] in input-image pixels. Returns
// [batch, max_boxes, os, os, channels].
func roiPoolGraph(cfg *config.Config, latent, boxes *Node) *Node {
	g := latent.Graph()
	dims := latent.Shape().Dimensions
	batchSize, latentH, latentW := dims[0], dims[1], dims[2]
	maxBoxes := boxes.Shape().Dimensions[1]
	os := cfg.Clustering.RoIAlign.OutputSize

	// Box coordinates in latent cells.
	scaleY := float64(latentH) / float64(cfg.ImgSize.H)
	scaleX := float64(latentW) / float64(cfg.ImgSize.W)
	coord := func(channel int, scale float64) *Node {
		c := Slice(boxes, AxisRange(), AxisRange(), AxisRange(channel, channel+1))
		return MulScalar(Reshape(c, batchSize, maxBoxes), scale)
	}
	x1, y1 := coord(0, scaleX), coord(1, scaleY)
	x2, y2 := coord(2, scaleX), coord(3, scaleY)

	// Grid sample positions at cell centers: (g+0.5)/os within the box.
	grid := DivScalar(AddScalar(IotaFull(g, shapes.Make(dtypes.Float32, os)), 0.5), float64(os))
	gridExp := BroadcastToDims(InsertAxes(grid, 0, 0), batchSize, maxBoxes, os)
	along := func(lo, hi *Node, size int) *Node {
		span := Sub(hi, lo)
		pos := Add(BroadcastToDims(InsertAxes(lo, -1), batchSize, maxBoxes, os),
			Mul(BroadcastToDims(InsertAxes(span, -1), batchSize, maxBoxes, os), gridExp))
		pos = ClipScalar(Floor(pos), 0, float64(size-1))
		return ConvertDType(pos, dtypes.Int32)
	}
	iy := along(y1, y2, latentH) // [batch, max_boxes, os]
	ix := along(x1, x2, latentW)

	// Pair every row index with every column index of the grid.
	iyGrid := BroadcastToDims(InsertAxes(iy, -1), batchSize, maxBoxes, os, os)
	ixGrid := BroadcastToDims(InsertAxes(ix, 2), batchSize, maxBoxes, os, os)
	indices := Concatenate([]*Node{InsertAxes(iyGrid, -1), InsertAxes(ixGrid, -1)}, -1)
	return GatherWithBatchDims(latent, indices, 1)
}

// embeddingGraph projects each box to the clustering space: a linear visual
// embedding of its pooled latent features plus a linear spatial embedding of
// its normalized coordinates.
func embeddingGraph(ctx *context.Context, cfg *config.Config, latent, boxes *Node) *Node {
	dims := boxes.Shape().Dimensions
	batchSize, maxBoxes := dims[0], dims[1]
	os := cfg.Clustering.RoIAlign.OutputSize
	ndf := cfg.Clustering.Ndf

	pooled := roiPoolGraph(cfg, latent, boxes)
	visIn := Reshape(pooled, batchSize*maxBoxes, os*os*cfg.Autoencoder.LatentChannels)
	visual := layers.DenseWithBias(ctx.In("visual"), visIn, ndf)

	norm := Const(latent.Graph(), []float32{
		float32(cfg.ImgSize.W), float32(cfg.ImgSize.H),
		float32(cfg.ImgSize.W), float32(cfg.ImgSize.H),
	})
	normBoxes := Div(Reshape(boxes, batchSize*maxBoxes, 4),
		BroadcastToDims(InsertAxes(norm, 0), batchSize*maxBoxes, 4))
	spatial := layers.DenseWithBias(ctx.In("spatial"), normBoxes, ndf)

	return Reshape(Add(visual, spatial), batchSize, maxBoxes, ndf)
}

// AssignmentsGraph builds only the soft-assignment part of the head, used
// by the target distribution refresh and by prediction. ctx must be at the
// model's root scope.
func AssignmentsGraph(ctx *context.Context, cfg *config.Config, latent, boxes *Node) *Node {
	ctx = ctx.In(ClusteringScope)
	return assignmentGraph(ctx, cfg, embeddingGraph(ctx, cfg, latent, boxes))
}

// assignmentGraph computes the Student's t soft assignment of every
// embedding to the trainable centroids:
//
//	s_ij = (1 + ||z_i - mu_j||^2/alpha)^-((alpha+1)/2), normalized over j.
func assignmentGraph(ctx *context.Context, cfg *config.Config, embeddings *Node) *Node {
	g := embeddings.Graph()
	dims := embeddings.Shape().Dimensions
	batchSize, maxBoxes, ndf := dims[0], dims[1], dims[2]
	k := cfg.Clustering.NClusters
	alpha := cfg.Clustering.Alpha

	centroidsVar := ctx.VariableWithShape(CentroidsVarName, shapes.Make(dtypes.Float32, k, ndf))
	centroids := centroidsVar.ValueGraph(g)

	flat := Reshape(embeddings, batchSize*maxBoxes, 1, ndf)
	diff := Sub(BroadcastToDims(flat, batchSize*maxBoxes, k, ndf),
		BroadcastToDims(InsertAxes(centroids, 0), batchSize*maxBoxes, k, ndf))
	dist2 := ReduceSum(Square(diff), -1) // [batch*max_boxes, k]

	s := PowScalar(AddScalar(DivScalar(dist2, alpha), 1), -(alpha+1)/2)
	s = Div(s, ReduceAndKeep(s, ReduceSum, -1))
	return Reshape(s, batchSize, maxBoxes, k)
}

// TargetDistributionVar returns (creating if needed) the stored target
// distribution, one row per slot. It is state, not a trained weight: it is
// refreshed by a periodic pass over the whole dataset. ctx must be at the
// model's root scope.
func TargetDistributionVar(ctx *context.Context, nSlots, k int) *context.Variable {
	return ctx.Checked(false).In(ClusteringScope).
		VariableWithShape(TargetDistVarName, shapes.Make(dtypes.Float32, nSlots, k)).
		SetTrainable(false)
}

// klLossGraph is the clustering loss: KL(p || s) between the stored target
// distribution rows of this batch's slots and the current soft assignments,
// averaged over valid (unmasked) slots.
func klLossGraph(targetVar *context.Variable, assignments, mask, sampleNums *Node) *Node {
	g := assignments.Graph()
	dims := assignments.Shape().Dimensions
	batchSize, maxBoxes, k := dims[0], dims[1], dims[2]

	target := Gather(targetVar.ValueGraph(g),
		InsertAxes(Reshape(sampleNums, batchSize*maxBoxes), -1))

	s := Reshape(assignments, batchSize*maxBoxes, k)
	perSlot := ReduceSum(Mul(target,
		Log(Div(AddScalar(target, distEpsilon), AddScalar(s, distEpsilon)))), -1)

	flatMask := Reshape(mask, batchSize*maxBoxes)
	perSlot = Mul(perSlot, flatMask)
	count := MaxScalar(ReduceSum(flatMask), 1)
	return Div(ReduceSum(perSlot), count)
}

// SampleNumsGraph maps (clip index, slot) pairs to the flat slot ids used to
// index the target distribution and reported in predictions:
// sample_num = clip_index*max_boxes + slot.
func SampleNumsGraph(indices *Node, maxBoxes int) *Node {
	g := indices.Graph()
	batchSize := indices.Shape().Dimensions[0]
	base := MulScalar(indices, maxBoxes) // int32 [batch]
	slots := IotaFull(g, shapes.Make(dtypes.Int32, 1, maxBoxes))
	return Add(BroadcastToDims(InsertAxes(base, -1), batchSize, maxBoxes),
		BroadcastToDims(slots, batchSize, maxBoxes))
}

// ClusteringGraph builds the clustering head over a latent map. nSlots is
// the total number of (clip, slot) pairs of the dataset, fixing the target
// distribution's size.
func ClusteringGraph(ctx *context.Context, cfg *config.Config, nSlots int, latent, boxes, mask, indices *Node) *ClusteringOutput {
	targetVar := TargetDistributionVar(ctx, nSlots, cfg.Clustering.NClusters)
	ctx = ctx.In(ClusteringScope)
	embeddings := embeddingGraph(ctx, cfg, latent, boxes)
	assignments := assignmentGraph(ctx, cfg, embeddings)
	sampleNums := SampleNumsGraph(indices, cfg.MaxBoxes)
	return &ClusteringOutput{
		Embeddings:  embeddings,
		Assignments: assignments,
		Clusters:    ArgMax(assignments, -1, dtypes.Int32),
		KLLoss:      klLossGraph(targetVar, assignments, mask, sampleNums),
	}
}

// TargetDistributionFromAssignments computes the DEC target distribution
// from the soft assignments of all slots:
//
//	p_ij = (s_ij^2/f_j) / sum_j'(s_ij'^2/f_j'), with f_j = sum_i s_ij.
//
// Rows of padded slots are left as their (masked, unused) computed values.
// assignments is [n_slots, k].
func TargetDistributionFromAssignments(assignments *Node) *Node {
	freq := ReduceAndKeep(assignments, ReduceSum, 0) // [1, k]
	weighted := Div(Square(assignments), AddScalar(freq, distEpsilon))
	return Div(weighted, AddScalar(ReduceAndKeep(weighted, ReduceSum, -1), distEpsilon))
}
