// Package config reads the model configuration files shared by the four
// tools. Configurations are JSON, one file per dataset type (e.g.
// "collective.json" in the configuration directory), mirroring the
// hyperparameter tree of the model: image size, window length, autoencoder
// widths, clustering head and optimization settings.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path"

	"github.com/pkg/errors"

	"github.com/kojikojiprg/individual-clustering/dataset"
)

// ImageSize of the model inputs, in pixels.
type ImageSize struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Autoencoder hyperparameters, shared by the frame and the flow autoencoder.
type Autoencoder struct {
	// Ndf is the base channel width of the decoder; stages use ndf*8,
	// ndf*4, ndf*2 and ndf channels.
	Ndf int `json:"ndf"`

	// NumLayers is the number of encoder convolution+pool blocks. Each
	// halves the spatial size, so the latent map is img/2^num_layers.
	NumLayers int `json:"num_layers"`

	// LatentChannels of the encoder output feature map.
	LatentChannels int `json:"latent_channels"`
}

// RoIAlign settings of the clustering head's box pooling.
type RoIAlign struct {
	// OutputSize is the pooled grid side: each box is pooled to
	// output_size x output_size latent vectors.
	OutputSize int `json:"output_size"`
}

// Clustering head hyperparameters.
type Clustering struct {
	NClusters int `json:"n_clusters"`

	// Alpha is the degrees of freedom of the Student's-t kernel.
	Alpha float64 `json:"alpha"`

	// Ndf is the embedding dimension of the visual and spatial features.
	Ndf int `json:"ndf"`

	RoIAlign RoIAlign `json:"roialign"`
}

// Optim holds the optimization settings.
type Optim struct {
	LRAutoencoder float64 `json:"lr_rate_ae"`
	LRClustering  float64 `json:"lr_rate_cm"`

	// LambdaClustering weighs the clustering loss against the
	// reconstruction losses in the joint objective.
	LambdaClustering float64 `json:"lmd_cm"`
}

// Config is the full model configuration.
type Config struct {
	ImgSize     ImageSize `json:"img_size"`
	SeqLen      int       `json:"seq_len"`
	ResizeRatio float64   `json:"resize_ratio"`
	MaxBoxes    int       `json:"max_boxes"`

	BatchSize     int `json:"batch_size"`
	EvalBatchSize int `json:"eval_batch_size"`

	// TrainSteps is the total number of gradient steps, including steps
	// already trained when resuming from a checkpoint.
	TrainSteps int `json:"train_steps"`

	// ClusteringStartStep is the global step at which the clustering loss
	// is enabled; before it only the reconstruction losses train.
	ClusteringStartStep int `json:"clustering_start_step"`

	// UpdateInterval is the number of steps between refreshes of the
	// target distribution.
	UpdateInterval int `json:"update_interval"`

	NumCheckpoints          int `json:"num_checkpoints"`
	CheckpointPeriodSeconds int `json:"checkpoint_period_seconds"`

	Autoencoder Autoencoder `json:"autoencoder"`
	Clustering  Clustering  `json:"clustering"`
	Optim       Optim       `json:"optim"`
}

// Default returns the configuration used when no file is given, matching the
// values the models were developed with.
func Default() *Config {
	return &Config{
		ImgSize:     ImageSize{W: 112, H: 112},
		SeqLen:      8,
		ResizeRatio: 1.0,
		MaxBoxes:    12,

		BatchSize:     16,
		EvalBatchSize: 16,

		TrainSteps:          20000,
		ClusteringStartStep: 5000,
		UpdateInterval:      100,

		NumCheckpoints:          3,
		CheckpointPeriodSeconds: 60,

		Autoencoder: Autoencoder{
			Ndf:            64,
			NumLayers:      3,
			LatentChannels: 480,
		},
		Clustering: Clustering{
			NClusters: 8,
			Alpha:     1.0,
			Ndf:       32,
			RoIAlign:  RoIAlign{OutputSize: 3},
		},
		Optim: Optim{
			LRAutoencoder:    1e-4,
			LRClustering:     1e-3,
			LambdaClustering: 0.1,
		},
	}
}

// Load reads a configuration file, applied over the defaults, so partial
// files are fine. An empty path returns the defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath == "" {
		return cfg, nil
	}
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model config %q", configPath)
	}
	decoder := json.NewDecoder(bytes.NewReader(contents))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing model config %q", configPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "model config %q", configPath)
	}
	return cfg, nil
}

// LoadDir loads "<dir>/<dataset_type>.json", applied over the defaults.
// Passing a file instead of a directory loads that file for any dataset
// type. An empty dir returns the defaults; a missing file of an existing
// dir is an error, as it usually means a misplaced configuration.
func LoadDir(configDir string, dsType dataset.Type) (*Config, error) {
	if configDir == "" {
		return Default(), nil
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		// A plain file applies to every dataset type.
		return Load(configDir)
	}
	return Load(path.Join(configDir, dsType.String()+".json"))
}

// Validate checks the invariants the models rely on.
func (c *Config) Validate() error {
	if c.SeqLen <= 0 {
		return errors.Errorf("seq_len must be > 0, got %d", c.SeqLen)
	}
	if c.ImgSize.W <= 0 || c.ImgSize.H <= 0 {
		return errors.Errorf("img_size must be positive, got %dx%d", c.ImgSize.W, c.ImgSize.H)
	}
	downscale := 1 << c.Autoencoder.NumLayers
	if c.ImgSize.W%downscale != 0 || c.ImgSize.H%downscale != 0 {
		return errors.Errorf("img_size %dx%d must be divisible by 2^num_layers=%d",
			c.ImgSize.W, c.ImgSize.H, downscale)
	}
	if c.MaxBoxes <= 0 {
		return errors.Errorf("max_boxes must be > 0, got %d", c.MaxBoxes)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.EvalBatchSize <= 0 {
		return errors.Errorf("eval_batch_size must be > 0, got %d", c.EvalBatchSize)
	}
	if c.Clustering.NClusters <= 1 {
		return errors.Errorf("n_clusters must be > 1, got %d", c.Clustering.NClusters)
	}
	if c.Clustering.Alpha <= 0 {
		return errors.Errorf("clustering alpha must be > 0, got %g", c.Clustering.Alpha)
	}
	if c.Clustering.RoIAlign.OutputSize <= 0 {
		return errors.Errorf("roialign output_size must be > 0, got %d", c.Clustering.RoIAlign.OutputSize)
	}
	if c.UpdateInterval <= 0 {
		return errors.Errorf("update_interval must be > 0, got %d", c.UpdateInterval)
	}
	return nil
}

// DatasetConfig derives the loader configuration.
func (c *Config) DatasetConfig() dataset.Config {
	return dataset.Config{
		SeqLen:      c.SeqLen,
		ImageWidth:  c.ImgSize.W,
		ImageHeight: c.ImgSize.H,
		MaxBoxes:    c.MaxBoxes,
		ResizeRatio: c.ResizeRatio,
	}
}

// LatentSize returns the spatial size of the encoder's latent feature map.
func (c *Config) LatentSize() (width, height int) {
	downscale := 1 << c.Autoencoder.NumLayers
	return c.ImgSize.W / downscale, c.ImgSize.H / downscale
}
