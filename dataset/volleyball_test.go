package dataset

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadVolleyballAnnotations(t *testing.T) {
	annPath := path.Join(t.TempDir(), "annotations.txt")
	contents := "" +
		"10535.jpg r_set 100 200 30 60 setting 150 210 30 60 waiting\n" +
		"10680.jpg l_spike 400 180 35 70 spiking\n"
	require.NoError(t, os.WriteFile(annPath, []byte(contents), 0o644))

	vocabulary := newLabelVocabulary()
	clips, err := readVolleyballAnnotations(annPath, vocabulary)
	require.NoError(t, err)
	require.Len(t, clips, 2)

	assert.Equal(t, "10535", clips[0].targetFrame)
	assert.Equal(t, []Box{{100, 200, 130, 260}, {150, 210, 180, 270}}, clips[0].boxes)
	assert.Equal(t, []int{0, 1}, clips[0].labels)

	assert.Equal(t, "10680", clips[1].targetFrame)
	assert.Equal(t, []int{2}, clips[1].labels)
	assert.Equal(t, []string{"setting", "waiting", "spiking"}, vocabulary.names)
}

func TestReadVolleyballAnnotationsBadGroupSize(t *testing.T) {
	annPath := path.Join(t.TempDir(), "annotations.txt")
	require.NoError(t, os.WriteFile(annPath, []byte("10535.jpg r_set 100 200 30\n"), 0o644))
	_, err := readVolleyballAnnotations(annPath, newLabelVocabulary())
	require.ErrorContains(t, err, "expected")
}

func TestLoadVideoLayout(t *testing.T) {
	dir := t.TempDir()
	for f := 1; f <= 8; f++ {
		writePNG(t, path.Join(dir, "frame000"+string(rune('0'+f))+".png"), 16, 12)
	}
	cfg := testConfig()
	ds, err := Load(dir, Video, Train, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumSamples())
	assert.Empty(t, ds.LabelNames)
	for _, sample := range ds.Samples() {
		// Without detections a single full-frame box is assumed, in
		// stored-frame coordinates.
		require.Len(t, sample.Boxes, 1)
		assert.Equal(t, Box{0, 0, 16, 12}, sample.Boxes[0])
		assert.Equal(t, []int{-1}, sample.Labels)
		assert.Equal(t, 16, sample.SourceWidth)
		assert.Equal(t, 12, sample.SourceHeight)
	}
}
