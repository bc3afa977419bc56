package dataset

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		SeqLen:      4,
		ImageWidth:  8,
		ImageHeight: 8,
		MaxBoxes:    3,
		ResizeRatio: 1.0,
	}
}

func writePNG(t *testing.T, imagePath string, width, height int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	f, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func writeUniformFlo(t *testing.T, floPath string, width, height int, dx, dy float32) {
	t.Helper()
	flow := &FlowField{Width: width, Height: height, Data: make([]float32, width*height*2)}
	for i := 0; i < width*height; i++ {
		flow.Data[i*2] = dx
		flow.Data[i*2+1] = dy
	}
	require.NoError(t, flow.WriteFlo(floPath))
}

// writeCollectiveDataset builds numSeqs sequences of 8 frames each, so with
// SeqLen=4 every sequence cuts into two windows: the first annotated with
// two boxes, the second with one.
func writeCollectiveDataset(t *testing.T, numSeqs int, withFlows bool) (dir string, seqNames []string) {
	t.Helper()
	dir = t.TempDir()
	for s := 1; s <= numSeqs; s++ {
		seqName := fmt.Sprintf("seq%02d", s)
		seqNames = append(seqNames, seqName)
		seqDir := path.Join(dir, seqName)
		require.NoError(t, os.Mkdir(seqDir, 0o755))
		for f := 1; f <= 8; f++ {
			name := fmt.Sprintf("frame%04d", f)
			writePNG(t, path.Join(seqDir, name+".png"), 16, 12)
			if withFlows {
				writeUniformFlo(t, path.Join(seqDir, name+".flo"), 16, 12, 1, -1)
			}
		}
		annotations := "" +
			"4 1 1 4 6 walking\n" +
			"4,6,2,4,6,standing\n" + // Comma-separated lines parse too.
			"8 2 2 4 6 walking\n"
		require.NoError(t, os.WriteFile(path.Join(seqDir, "annotations.txt"), []byte(annotations), 0o644))
	}
	return dir, seqNames
}

func splitCounts(seqNames []string) (train, test int) {
	for _, name := range seqNames {
		if inSplit(name, Train) {
			train++
		} else {
			test++
		}
	}
	return
}

func TestInSplitPartitionsDeterministically(t *testing.T) {
	names := []string{"seq01", "seq02", "seq03", "video7", "video42"}
	for _, name := range names {
		assert.NotEqual(t, inSplit(name, Train), inSplit(name, Test), name)
		assert.Equal(t, inSplit(name, Train), inSplit(name, Train), name)
	}
}

func TestLoadCollective(t *testing.T) {
	dir, seqNames := writeCollectiveDataset(t, 6, true)
	cfg := testConfig()
	trainSeqs, testSeqs := splitCounts(seqNames)

	for _, tc := range []struct {
		stage   Stage
		numSeqs int
	}{{Train, trainSeqs}, {Test, testSeqs}} {
		ds, err := Load(dir, Collective, tc.stage, cfg)
		if tc.numSeqs == 0 {
			require.ErrorContains(t, err, "no samples")
			continue
		}
		require.NoError(t, err)
		// Two annotated windows per sequence.
		assert.Equal(t, tc.numSeqs*2, ds.NumSamples())
		assert.Equal(t, tc.numSeqs*2*cfg.MaxBoxes, ds.NumSlots())
		assert.Equal(t, []string{"walking", "standing"}, ds.LabelNames)
		for i, sample := range ds.Samples() {
			assert.Equal(t, i, sample.Index)
			assert.Len(t, sample.FramePaths, cfg.SeqLen)
			assert.Len(t, sample.FlowPaths, cfg.SeqLen)
			assert.Equal(t, 16, sample.SourceWidth)
			assert.Equal(t, 12, sample.SourceHeight)
		}
	}
}

func loadNonEmptySplit(t *testing.T, dir string, cfg Config) *Dataset {
	t.Helper()
	ds, err := Load(dir, Collective, Train, cfg)
	if err != nil {
		ds, err = Load(dir, Collective, Test, cfg)
	}
	require.NoError(t, err)
	require.GreaterOrEqual(t, ds.NumSamples(), 2)
	return ds
}

func TestYieldShapesAndMask(t *testing.T) {
	dir, _ := writeCollectiveDataset(t, 6, true)
	cfg := testConfig()
	ds := loadNonEmptySplit(t, dir, cfg).Copy().BatchSize(2)
	ds.Reset()

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 5)
	require.Len(t, labels, 2)

	frames, flows, boxes, mask, indices := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	assert.Equal(t, []int{2, 4, 8, 8, 3}, frames.Shape().Dimensions)
	assert.Equal(t, []int{2, 4, 8, 8, 2}, flows.Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 4}, boxes.Shape().Dimensions)
	assert.Equal(t, []int{2, 3}, mask.Shape().Dimensions)
	assert.Equal(t, []int{2}, indices.Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 3}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 8, 8, 2}, labels[1].Shape().Dimensions)

	// First window of a sequence has two boxes, second has one.
	tensors.ConstFlatData[float32](mask, func(m []float32) {
		assert.Equal(t, []float32{1, 1, 0, 1, 0, 0}, m)
	})
	tensors.ConstFlatData[int32](indices, func(ids []int32) {
		assert.Equal(t, []int32{0, 1}, ids)
	})
	tensors.ConstFlatData[float32](frames, func(pixels []float32) {
		for _, p := range pixels {
			assert.GreaterOrEqual(t, p, float32(-1))
			assert.LessOrEqual(t, p, float32(1))
		}
	})
}

func TestYieldBoxesMatchResizedGeometry(t *testing.T) {
	dir, _ := writeCollectiveDataset(t, 6, false)
	cfg := testConfig()
	ds := loadNonEmptySplit(t, dir, cfg).Copy().WithModalities(false, false).BatchSize(1)
	ds.Reset()

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	boxes := inputs[0]

	// Frames are 16x12 stretched to 8x8, so x coordinates scale by 1/2 and
	// y coordinates by 2/3, same as the pixels.
	want := []float32{
		0.5, 2.0 / 3, 2.5, 14.0 / 3, // (1, 1, 5, 7)
		3, 4.0 / 3, 5, 16.0 / 3, // (6, 2, 10, 8)
		0, 0, 0, 0, // padding
	}
	tensors.ConstFlatData[float32](boxes, func(got []float32) {
		require.Len(t, got, len(want))
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-5)
		}
		for i, v := range got {
			limit := float32(cfg.ImageWidth)
			if i%2 == 1 {
				limit = float32(cfg.ImageHeight)
			}
			assert.GreaterOrEqual(t, v, float32(0))
			assert.LessOrEqual(t, v, limit)
		}
	})
}

func TestBoxTensorsClampToImageBounds(t *testing.T) {
	ds := &Dataset{cfg: testConfig()}
	ds.cfg.MaxBoxes = 1
	sample := &Sample{
		Boxes:        []Box{{-2, -1, 20, 14}},
		SourceWidth:  16,
		SourceHeight: 12,
	}
	boxes, _ := ds.boxTensors([]*Sample{sample})
	tensors.ConstFlatData[float32](boxes, func(got []float32) {
		assert.Equal(t, []float32{0, 0, 8, 8}, got)
	})
}

func TestBatchSizeRejectsNonPositive(t *testing.T) {
	dir, _ := writeCollectiveDataset(t, 6, false)
	ds := loadNonEmptySplit(t, dir, testConfig())
	assert.Panics(t, func() { ds.BatchSize(0) })
	assert.Panics(t, func() { ds.BatchSize(-1) })
}

func TestYieldFinalPartialBatch(t *testing.T) {
	dir, _ := writeCollectiveDataset(t, 6, false)
	cfg := testConfig()
	ds := loadNonEmptySplit(t, dir, cfg).Copy().WithModalities(true, false).BatchSize(3)
	ds.Reset()

	total := 0
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		total += inputs[len(inputs)-1].Shape().Dimensions[0]
	}
	assert.Equal(t, ds.NumSamples(), total)
}

func TestYieldFlowsMissingErrors(t *testing.T) {
	dir, _ := writeCollectiveDataset(t, 6, false)
	cfg := testConfig()
	ds := loadNonEmptySplit(t, dir, cfg) // Both modalities on by default.
	ds.Reset()
	_, _, _, err := ds.Yield()
	require.ErrorContains(t, err, "optical-flow")
}

func TestInfiniteYieldWrapsAround(t *testing.T) {
	dir, _ := writeCollectiveDataset(t, 6, false)
	cfg := testConfig()
	base := loadNonEmptySplit(t, dir, cfg)
	ds := base.Copy().WithModalities(true, false).
		BatchSize(base.NumSamples() + 1).Infinite(true)
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, base.NumSamples()+1, inputs[len(inputs)-1].Shape().Dimensions[0])
}

func TestCutWindowsSkipsUnannotated(t *testing.T) {
	cfg := testConfig()
	frames := make([]string, 12)
	for i := range frames {
		frames[i] = fmt.Sprintf("frame%04d.png", i+1)
	}
	boxes := map[int][]Box{3: {{0, 0, 4, 4}}, 11: {{1, 1, 5, 5}, {2, 2, 6, 6}}}
	samples := cutWindows("seq01", frames, nil, func(lastFrameIdx int) ([]Box, []int) {
		b := boxes[lastFrameIdx]
		return b, make([]int, len(b))
	}, cfg)
	// Three windows fit; the middle one (last frame index 7) has no boxes.
	require.Len(t, samples, 2)
	assert.Equal(t, frames[0:4], samples[0].FramePaths)
	assert.Equal(t, frames[8:12], samples[1].FramePaths)
	assert.Len(t, samples[1].Boxes, 2)
}

func TestReadCollectiveAnnotations(t *testing.T) {
	annPath := path.Join(t.TempDir(), "annotations.txt")
	contents := "" +
		"# comment line\n" +
		"1 10 20 30 40 walking\n" +
		"1,50,60,10,10,standing\n" +
		"\n" +
		"2 5 5 5 5 walking\n"
	require.NoError(t, os.WriteFile(annPath, []byte(contents), 0o644))

	vocabulary := newLabelVocabulary()
	annotations, err := readCollectiveAnnotations(annPath, vocabulary)
	require.NoError(t, err)
	require.Len(t, annotations, 2)
	assert.Equal(t, []Box{{10, 20, 40, 60}, {50, 60, 60, 70}}, annotations[1].boxes)
	assert.Equal(t, []int{0, 1}, annotations[1].labels)
	assert.Equal(t, []string{"walking", "standing"}, vocabulary.names)
}

func TestReadCollectiveAnnotationsBadLine(t *testing.T) {
	annPath := path.Join(t.TempDir(), "annotations.txt")
	require.NoError(t, os.WriteFile(annPath, []byte("1 2 3\n"), 0o644))
	_, err := readCollectiveAnnotations(annPath, newLabelVocabulary())
	require.ErrorContains(t, err, "expected")
}

func TestParseEnums(t *testing.T) {
	for _, name := range []string{"frame", "flow"} {
		dt, err := ParseDatatype(name)
		require.NoError(t, err)
		assert.Equal(t, name, dt.String())
	}
	_, err := ParseDatatype("rgb")
	require.ErrorContains(t, err, "invalid datatype")

	for _, name := range []string{"train", "test"} {
		stage, err := ParseStage(name)
		require.NoError(t, err)
		assert.Equal(t, name, stage.String())
	}
	_, err = ParseStage("validation")
	require.ErrorContains(t, err, "invalid stage")

	assert.Equal(t, []string{"collective", "video", "volleyball"}, TypeNames())
	for _, name := range TypeNames() {
		dsType, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, name, dsType.String())
	}
	_, err = ParseType("basketball")
	require.ErrorContains(t, err, "invalid dataset_type")
}
