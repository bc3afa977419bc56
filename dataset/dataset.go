// Package dataset loads the video-derived datasets used for activity
// clustering: windows of RGB frames and optical-flow fields, with per-person
// bounding boxes and (when annotated) action labels.
//
// Three dataset layouts are supported, selected by Type: collective
// (Collective Activity), volleyball, and video (a plain directory of frames,
// without annotations). All layouts are loaded into the same Dataset type,
// which implements train.Dataset, yielding batched tensors ready for the
// models in package model.
package dataset

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Datatype is the input modality: raw RGB frames or optical-flow fields.
type Datatype int8

const (
	Frame Datatype = iota
	Flow
)

// NumChannels of the modality: 3 for frames (RGB), 2 for flow (dx, dy).
func (dt Datatype) NumChannels() int {
	if dt == Flow {
		return 2
	}
	return 3
}

func (dt Datatype) String() string {
	if dt == Flow {
		return "flow"
	}
	return "frame"
}

// ParseDatatype parses "frame" or "flow".
func ParseDatatype(s string) (Datatype, error) {
	switch s {
	case "frame":
		return Frame, nil
	case "flow":
		return Flow, nil
	}
	return 0, errors.Errorf("invalid datatype %q: valid values are \"frame\" and \"flow\"", s)
}

// Stage is the dataset split indicator.
type Stage int8

const (
	Train Stage = iota
	Test
)

func (s Stage) String() string {
	if s == Test {
		return "test"
	}
	return "train"
}

// ParseStage parses "train" or "test".
func ParseStage(str string) (Stage, error) {
	switch str {
	case "train":
		return Train, nil
	case "test":
		return Test, nil
	}
	return 0, errors.Errorf("invalid stage %q: valid values are \"train\" and \"test\"", str)
}

// Type selects the dataset directory layout.
type Type int8

const (
	Collective Type = iota
	Volleyball
	Video
)

var typeNames = map[string]Type{
	"collective": Collective,
	"volleyball": Volleyball,
	"video":      Video,
}

func (t Type) String() string {
	for name, tt := range typeNames {
		if tt == t {
			return name
		}
	}
	return "unknown"
}

// TypeNames returns the valid dataset type names, sorted.
func TypeNames() []string {
	names := maps.Keys(typeNames)
	sort.Strings(names)
	return names
}

// ParseType parses a dataset type name.
func ParseType(s string) (Type, error) {
	t, found := typeNames[s]
	if !found {
		return 0, errors.Errorf("invalid dataset_type %q: valid values are %q", s, TypeNames())
	}
	return t, nil
}

// Box is a person bounding box, (x1, y1, x2, y2) in pixel coordinates of the
// original frame.
type Box [4]float32

// Sample is one window of SeqLen consecutive frames of a sequence, with the
// person boxes of the last frame. Labels are per box; -1 when the layout
// carries no annotations (Type == Video).
type Sample struct {
	// Index is the sample (clip) number, global across the split.
	Index int

	// Sequence identifier the window was cut from, e.g. "seq04".
	Sequence string

	// FramePaths and FlowPaths hold SeqLen paths each. FlowPaths may be
	// empty when the flow files are absent (frame-only training).
	FramePaths []string
	FlowPaths  []string

	// Boxes of the window's last frame, at most MaxBoxes.
	Boxes  []Box
	Labels []int

	// SourceWidth and SourceHeight are the pixel dimensions of the stored
	// frames, read from the first frame's header. Yield stretches frames to
	// ImageWidth x ImageHeight and rescales the boxes per axis to match.
	SourceWidth  int
	SourceHeight int
}

// SplitSeed is used to derive the deterministic train/test split of
// sequences for layouts without an official split file.
const SplitSeed = 42

// inSplit assigns a sequence to train or test deterministically: sequences
// are hashed with the split seed and ~1/4 of them land in the test split.
func inSplit(sequence string, stage Stage) bool {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(SplitSeed))
	buf.WriteString(sequence)
	h := crc32.ChecksumIEEE(buf.Bytes())
	isTest := h%4 == 0
	return isTest == (stage == Test)
}

// Config holds what the loaders need to cut samples and build tensors.
type Config struct {
	SeqLen      int
	ImageWidth  int
	ImageHeight int
	MaxBoxes    int

	// ResizeRatio scales the annotated box coordinates, matching frames
	// that were stored downscaled.
	ResizeRatio float64
}

// Dataset holds the samples of one split and implements train.Dataset.
type Dataset struct {
	name    string
	dsType  Type
	stage   Stage
	cfg     Config
	samples []Sample

	// LabelNames maps label id to the annotation's action name. Empty for
	// the video layout.
	LabelNames []string

	withFrames, withFlows bool
	batchSize             int
	infinite              bool
	shuffle               *rand.Rand

	mu        sync.Mutex
	position  int
	selection []int
}

var _ train.Dataset = (*Dataset)(nil)

// Load reads the dataset at dir with the given layout and returns the split
// selected by stage. The video layout has a single split: it returns the
// same samples for both stages.
func Load(dir string, dsType Type, stage Stage, cfg Config) (*Dataset, error) {
	if cfg.SeqLen <= 0 {
		return nil, errors.Errorf("dataset config: seq_len must be > 0, got %d", cfg.SeqLen)
	}
	if cfg.MaxBoxes <= 0 {
		return nil, errors.Errorf("dataset config: max_boxes must be > 0, got %d", cfg.MaxBoxes)
	}
	var (
		samples    []Sample
		labelNames []string
		err        error
	)
	switch dsType {
	case Collective:
		samples, labelNames, err = loadCollective(dir, stage, cfg)
	case Volleyball:
		samples, labelNames, err = loadVolleyball(dir, stage, cfg)
	case Video:
		samples, err = loadVideo(dir, cfg)
	default:
		err = errors.Errorf("unknown dataset type %d", dsType)
	}
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("no samples found in %q for %s/%s (seq_len=%d)",
			dir, dsType, stage, cfg.SeqLen)
	}
	ds := &Dataset{
		name:       dsType.String() + "-" + stage.String(),
		dsType:     dsType,
		stage:      stage,
		cfg:        cfg,
		samples:    samples,
		LabelNames: labelNames,
		withFrames: true,
		withFlows:  true,
		batchSize:  1,
	}
	ds.Reset()
	return ds, nil
}

// NumSamples is the number of windows (clips) in the split.
func (ds *Dataset) NumSamples() int { return len(ds.samples) }

// NumSlots is the number of individual slots: windows times MaxBoxes. The
// clustering model's target distribution is indexed by slot.
func (ds *Dataset) NumSlots() int { return len(ds.samples) * ds.cfg.MaxBoxes }

// MaxBoxes per sample, from the dataset configuration.
func (ds *Dataset) MaxBoxes() int { return ds.cfg.MaxBoxes }

// Samples gives read access to the loaded samples, in sample-number order.
func (ds *Dataset) Samples() []Sample { return ds.samples }

// BatchSize sets the number of windows per yielded batch. It panics on
// non-positive sizes, which would make Yield loop without progress.
func (ds *Dataset) BatchSize(n int) *Dataset {
	if n < 1 {
		exceptions.Panicf("dataset %q: batch size must be >= 1, got %d", ds.name, n)
	}
	ds.batchSize = n
	return ds
}

// Shuffle makes the dataset yield windows in random order, reshuffled at
// every Reset.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// Infinite makes Yield loop over the data indefinitely, for use with
// train.Loop.RunSteps.
func (ds *Dataset) Infinite(value bool) *Dataset {
	ds.infinite = value
	return ds
}

// WithModalities selects which modalities Yield loads. Autoencoder training
// uses one at a time; the clustering model uses both.
func (ds *Dataset) WithModalities(frames, flows bool) *Dataset {
	ds.withFrames = frames
	ds.withFlows = flows
	return ds
}

// Copy returns a dataset sharing the loaded samples but with independent
// iteration state and sampling configuration.
func (ds *Dataset) Copy() *Dataset {
	c := &Dataset{
		name:       ds.name,
		dsType:     ds.dsType,
		stage:      ds.stage,
		cfg:        ds.cfg,
		samples:    ds.samples,
		LabelNames: ds.LabelNames,
		withFrames: ds.withFrames,
		withFlows:  ds.withFlows,
		batchSize:  ds.batchSize,
		infinite:   ds.infinite,
		shuffle:    ds.shuffle,
	}
	c.Reset()
	return c
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
	if ds.shuffle == nil {
		ds.selection = nil
		return
	}
	if ds.selection == nil {
		ds.selection = make([]int, len(ds.samples))
		for i := range ds.selection {
			ds.selection[i] = i
		}
	}
	ds.shuffle.Shuffle(len(ds.selection), func(i, j int) {
		ds.selection[i], ds.selection[j] = ds.selection[j], ds.selection[i]
	})
}

// nextIndices picks the sample indices of the next batch.
func (ds *Dataset) nextIndices() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	indices := make([]int, 0, ds.batchSize)
	for len(indices) < ds.batchSize {
		if ds.infinite {
			if ds.shuffle != nil {
				indices = append(indices, ds.shuffle.Intn(len(ds.samples)))
				continue
			}
			indices = append(indices, ds.position)
			ds.position = (ds.position + 1) % len(ds.samples)
			continue
		}
		if ds.position >= len(ds.samples) {
			if len(indices) == 0 {
				return nil, io.EOF
			}
			// Final partial batch: one extra graph compilation for its
			// one-off shape, but eval and target refresh passes need to
			// cover every sample.
			return indices, nil
		}
		idx := ds.position
		if ds.selection != nil {
			idx = ds.selection[idx]
		}
		ds.position++
		indices = append(indices, idx)
	}
	return indices, nil
}

// Yield implements train.Dataset. Inputs are, in order:
//
//	frames  [batch, seq_len, height, width, 3]  (if frames modality is on)
//	flows   [batch, seq_len, height, width, 2]  (if flows modality is on)
//	boxes   [batch, max_boxes, 4]   in model image coordinates
//	mask    [batch, max_boxes]      1 for real boxes, 0 for padding
//	indices [batch]                 sample numbers (int32)
//
// Labels are the last frame of each yielded modality, the reconstruction
// targets: frames last step, then flows last step.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	batch := make([]*Sample, len(indices))
	for i, idx := range indices {
		batch[i] = &ds.samples[idx]
	}

	spec = ds
	if ds.withFrames {
		framesT, lastT, lErr := ds.loadFrameWindows(batch)
		if lErr != nil {
			return nil, nil, nil, lErr
		}
		inputs = append(inputs, framesT)
		labels = append(labels, lastT)
	}
	if ds.withFlows {
		flowsT, lastT, lErr := ds.loadFlowWindows(batch)
		if lErr != nil {
			return nil, nil, nil, lErr
		}
		inputs = append(inputs, flowsT)
		labels = append(labels, lastT)
	}
	boxesT, maskT := ds.boxTensors(batch)
	indicesT := sampleIndexTensor(batch)
	inputs = append(inputs, boxesT, maskT, indicesT)
	return
}

// loadFrameWindows loads and scales the RGB windows of the batch, returning
// the full window tensor and the last-frame tensor (reconstruction target).
// Pixels are mapped to [-1, 1] to match the decoder's Tanh output.
func (ds *Dataset) loadFrameWindows(batch []*Sample) (windows, last *tensors.Tensor, err error) {
	h, w := ds.cfg.ImageHeight, ds.cfg.ImageWidth
	seqLen := ds.cfg.SeqLen
	frameSize := h * w * 3
	flat := make([]float32, len(batch)*seqLen*frameSize)
	lastFlat := make([]float32, len(batch)*frameSize)
	for b, sample := range batch {
		for t, framePath := range sample.FramePaths {
			img, fErr := openImage(framePath)
			if fErr != nil {
				return nil, nil, errors.Wrapf(fErr, "sample %d (%s)", sample.Index, sample.Sequence)
			}
			img = resizeFrame(img, w, h)
			dst := flat[(b*seqLen+t)*frameSize : (b*seqLen+t+1)*frameSize]
			imageToFloats(img, dst)
			if t == seqLen-1 {
				copy(lastFlat[b*frameSize:(b+1)*frameSize], dst)
			}
		}
	}
	windows = tensors.FromFlatDataAndDimensions(flat, len(batch), seqLen, h, w, 3)
	last = tensors.FromFlatDataAndDimensions(lastFlat, len(batch), h, w, 3)
	return
}

// loadFlowWindows is the flow counterpart of loadFrameWindows. Flow values
// are kept in pixel-displacement units, resampled to the target size.
func (ds *Dataset) loadFlowWindows(batch []*Sample) (windows, last *tensors.Tensor, err error) {
	h, w := ds.cfg.ImageHeight, ds.cfg.ImageWidth
	seqLen := ds.cfg.SeqLen
	flowSize := h * w * 2
	flat := make([]float32, len(batch)*seqLen*flowSize)
	lastFlat := make([]float32, len(batch)*flowSize)
	for b, sample := range batch {
		if len(sample.FlowPaths) < seqLen {
			return nil, nil, errors.Errorf(
				"sample %d (%s) has no optical-flow files; generate .flo files next to the frames",
				sample.Index, sample.Sequence)
		}
		for t, flowPath := range sample.FlowPaths {
			flow, fErr := ReadFlo(flowPath)
			if fErr != nil {
				return nil, nil, errors.Wrapf(fErr, "sample %d (%s)", sample.Index, sample.Sequence)
			}
			flow = flow.Resize(w, h)
			dst := flat[(b*seqLen+t)*flowSize : (b*seqLen+t+1)*flowSize]
			copy(dst, flow.Data)
			if t == seqLen-1 {
				copy(lastFlat[b*flowSize:(b+1)*flowSize], dst)
			}
		}
	}
	windows = tensors.FromFlatDataAndDimensions(flat, len(batch), seqLen, h, w, 2)
	last = tensors.FromFlatDataAndDimensions(lastFlat, len(batch), h, w, 2)
	return
}

// boxTensors pads each sample's boxes to MaxBoxes and returns the boxes and
// the keep-mask tensors. Annotated coordinates are scaled by ResizeRatio into
// stored-frame pixels, then per axis onto the model image grid, following the
// stretch applied to the pixels, and clamped to the image bounds.
func (ds *Dataset) boxTensors(batch []*Sample) (boxes, mask *tensors.Tensor) {
	maxBoxes := ds.cfg.MaxBoxes
	w, h := float32(ds.cfg.ImageWidth), float32(ds.cfg.ImageHeight)
	boxesFlat := make([]float32, len(batch)*maxBoxes*4)
	maskFlat := make([]float32, len(batch)*maxBoxes)
	for b, sample := range batch {
		sx := float32(ds.cfg.ResizeRatio)
		sy := float32(ds.cfg.ResizeRatio)
		if sample.SourceWidth > 0 && sample.SourceHeight > 0 {
			sx *= w / float32(sample.SourceWidth)
			sy *= h / float32(sample.SourceHeight)
		}
		for i, box := range sample.Boxes {
			if i >= maxBoxes {
				break
			}
			at := (b*maxBoxes + i) * 4
			boxesFlat[at+0] = clampCoord(box[0]*sx, w)
			boxesFlat[at+1] = clampCoord(box[1]*sy, h)
			boxesFlat[at+2] = clampCoord(box[2]*sx, w)
			boxesFlat[at+3] = clampCoord(box[3]*sy, h)
			maskFlat[b*maxBoxes+i] = 1
		}
	}
	boxes = tensors.FromFlatDataAndDimensions(boxesFlat, len(batch), maxBoxes, 4)
	mask = tensors.FromFlatDataAndDimensions(maskFlat, len(batch), maxBoxes)
	return
}

func clampCoord(v, limit float32) float32 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

func sampleIndexTensor(batch []*Sample) *tensors.Tensor {
	indices := make([]int32, len(batch))
	for i, sample := range batch {
		indices[i] = int32(sample.Index)
	}
	return tensors.FromFlatDataAndDimensions(indices, len(batch))
}

func openImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", imagePath)
	}
	return img, nil
}

// resizeFrame stretches the image to width x height, without preserving the
// aspect ratio. Boxes and flow fields are rescaled per axis the same way, so
// the three modalities stay aligned.
func resizeFrame(img image.Image, width, height int) image.Image {
	size := img.Bounds().Size()
	if size.X == width && size.Y == height {
		return img
	}
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

// sourceSize reads the pixel dimensions of a stored frame from its header.
func sourceSize(framePath string) (width, height int, err error) {
	f, err := os.Open(framePath)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "opening image %q", framePath)
	}
	defer func() { _ = f.Close() }()
	imgCfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "decoding image header %q", framePath)
	}
	return imgCfg.Width, imgCfg.Height, nil
}

// imageToFloats writes the image as float32 RGB in [-1, 1], row-major, into
// dst, which must hold height*width*3 values.
func imageToFloats(img image.Image, dst []float32) {
	bounds := img.Bounds()
	at := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			dst[at+0] = float32(r)/32767.5 - 1
			dst[at+1] = float32(g)/32767.5 - 1
			dst[at+2] = float32(b)/32767.5 - 1
			at += 3
		}
	}
}

// listFrameFiles returns the sorted frame image files of dir and, aligned by
// index, the matching .flo files when every frame has one.
func listFrameFiles(dir string) (frames, flows []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading sequence directory %q", dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := path.Ext(entry.Name())
		if ext == ".jpg" || ext == ".jpeg" || ext == ".png" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	frames = make([]string, len(names))
	flows = make([]string, 0, len(names))
	for i, name := range names {
		frames[i] = path.Join(dir, name)
		floPath := path.Join(dir, name[:len(name)-len(path.Ext(name))]+".flo")
		if _, sErr := os.Stat(floPath); sErr == nil {
			flows = append(flows, floPath)
		}
	}
	if len(flows) != len(frames) {
		flows = nil // Flow files incomplete: treat the sequence as frame-only.
	}
	return frames, flows, nil
}

// cutWindows slices a sequence's frame (and flow) lists into consecutive
// non-overlapping SeqLen windows, one Sample per window, all carrying the
// frame annotations of the window's last frame.
func cutWindows(sequence string, frames, flows []string, boxesAt func(lastFrameIdx int) ([]Box, []int), cfg Config) []Sample {
	numWindows := len(frames) / cfg.SeqLen
	samples := make([]Sample, 0, numWindows)
	for w := 0; w < numWindows; w++ {
		start, end := w*cfg.SeqLen, (w+1)*cfg.SeqLen
		boxes, labels := boxesAt(end - 1)
		if len(boxes) == 0 {
			continue
		}
		sample := Sample{
			Sequence:   sequence,
			FramePaths: frames[start:end],
			Boxes:      boxes,
			Labels:     labels,
		}
		if flows != nil {
			sample.FlowPaths = flows[start:end]
		}
		samples = append(samples, sample)
	}
	return samples
}
