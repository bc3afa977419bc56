// Package model builds the GoMLX graphs of the activity-clustering models:
// the per-modality convolutional autoencoders and the deep-clustering model
// (dual autoencoders plus a DEC-style clustering head), together with their
// training, prediction and checkpointing entry points.
package model

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"

	"github.com/kojikojiprg/individual-clustering/config"
	"github.com/kojikojiprg/individual-clustering/dataset"
)

// leakySlope of all encoder/decoder activations.
const leakySlope = 0.1

// ScopeForDatatype is the context scope of a modality's autoencoder
// variables. The deep-clustering model builds its autoencoders under the
// same scopes, so separately pre-trained weights load into it directly.
func ScopeForDatatype(dt dataset.Datatype) string {
	return "ae_" + dt.String()
}

// EncoderGraph builds the encoder: a convolution stack applied to every
// frame of the window with shared weights, followed by a temporal fusion of
// the last frame's features with the window mean. Returns the latent feature
// map, shaped [batch, height/2^num_layers, width/2^num_layers,
// latent_channels].
//
// windows must be shaped [batch, seq_len, height, width, channels].
func EncoderGraph(ctx *context.Context, cfg *config.Config, windows *Node) *Node {
	ctx = ctx.In("encoder")
	dims := windows.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	height, width, channels := dims[2], dims[3], dims[4]

	// Fold time into the batch axis: frames share the convolution weights.
	x := Reshape(windows, batchSize*seqLen, height, width, channels)
	filters := cfg.Autoencoder.Ndf
	for block := 0; block < cfg.Autoencoder.NumLayers; block++ {
		blockCtx := ctx.In(fmt.Sprintf("block_%d", block))
		x = layers.Convolution(blockCtx, x).Filters(filters).KernelSize(3).PadSame().Done()
		x = batchnorm.New(blockCtx, x, -1).Done()
		x = activations.LeakyReluWithAlpha(x, leakySlope)
		x = MaxPool(x).Window(2).Done()
		filters *= 2
	}
	headCtx := ctx.In("latent")
	x = layers.Convolution(headCtx, x).Filters(cfg.Autoencoder.LatentChannels).KernelSize(1).Done()
	x = activations.LeakyReluWithAlpha(x, leakySlope)

	// Temporal fusion: the decoder and the clustering head read a single
	// latent map per window, built from the last frame and the window mean.
	latentH, latentW := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	x = Reshape(x, batchSize, seqLen, latentH, latentW, cfg.Autoencoder.LatentChannels)
	last := Slice(x, AxisRange(), AxisRange(seqLen-1, seqLen))
	last = Reshape(last, batchSize, latentH, latentW, cfg.Autoencoder.LatentChannels)
	mean := ReduceMean(x, 1)
	fused := Concatenate([]*Node{last, mean}, -1)
	fuseCtx := ctx.In("fuse")
	fused = layers.Convolution(fuseCtx, fused).Filters(cfg.Autoencoder.LatentChannels).KernelSize(1).Done()
	fused = batchnorm.New(fuseCtx, fused, -1).Done()
	fused = activations.LeakyReluWithAlpha(fused, leakySlope)
	return fused
}

// upSample2x doubles the spatial size of a [batch, height, width, channels]
// feature map by pixel repetition; the convolution that follows smooths it.
func upSample2x(x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	up := Concatenate([]*Node{x, x}, 3)
	up = Reshape(up, batchSize, height, 2*width, channels)
	up = Concatenate([]*Node{up, up}, 2)
	up = Reshape(up, batchSize, 2*height, 2*width, channels)
	return up
}

// DecoderGraph reconstructs the last frame of the window from the latent
// map: a 1x1 convolution to ndf*8 channels, then one up-sample+convolution
// stage per encoder block (ndf*4, ndf*2, ..., ndf), and a final convolution
// to the modality's channels with Tanh, so outputs live in [-1, 1].
func DecoderGraph(ctx *context.Context, cfg *config.Config, latent *Node, outChannels int) *Node {
	ctx = ctx.In("decoder")
	ndf := cfg.Autoencoder.Ndf

	headCtx := ctx.In("head")
	x := layers.Convolution(headCtx, latent).Filters(ndf * 8).KernelSize(1).Done()
	x = batchnorm.New(headCtx, x, -1).Done()
	x = activations.LeakyReluWithAlpha(x, leakySlope)

	for stage := 0; stage < cfg.Autoencoder.NumLayers; stage++ {
		stageCtx := ctx.In(fmt.Sprintf("up_%d", stage))
		filters := ndf << (cfg.Autoencoder.NumLayers - 1 - stage)
		x = upSample2x(x)
		x = layers.Convolution(stageCtx, x).Filters(filters).KernelSize(3).PadSame().Done()
		x = batchnorm.New(stageCtx, x, -1).Done()
		x = activations.LeakyReluWithAlpha(x, leakySlope)
	}

	outCtx := ctx.In("out")
	x = layers.Convolution(outCtx, x).Filters(outChannels).KernelSize(3).PadSame().Done()
	return Tanh(x)
}

// AutoencoderGraph builds one modality's full autoencoder and returns the
// latent map and the reconstruction of the window's last frame.
func AutoencoderGraph(ctx *context.Context, cfg *config.Config, dt dataset.Datatype, windows *Node) (latent, recon *Node) {
	ctx = ctx.In(ScopeForDatatype(dt))
	latent = EncoderGraph(ctx, cfg, windows)
	recon = DecoderGraph(ctx, cfg, latent, dt.NumChannels())
	return
}

// AutoencoderModelFn returns the train.ModelFn for single-modality
// autoencoder training. Inputs follow dataset.Dataset.Yield with only that
// modality enabled; the single prediction is the reconstruction, matched by
// the trainer's MSE loss against the last-frame label.
func AutoencoderModelFn(cfg *config.Config, dt dataset.Datatype) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		windows := inputs[0]
		_, recon := AutoencoderGraph(ctx, cfg, dt, windows)
		return []*Node{recon}
	}
}
