package dataset

import (
	"bufio"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Collective Activity layout:
//
//	<dataset_dir>/seq01/frame0001.jpg ...
//	<dataset_dir>/seq01/frame0001.flo ...      (optional)
//	<dataset_dir>/seq01/annotations.txt
//
// Each annotation line is "frame x y w h action", whitespace or comma
// separated, with x/y/w/h in pixels of the original frames and action a
// per-person activity class id.

type frameAnnotation struct {
	boxes  []Box
	labels []int
}

// loadCollective loads the split's sequences. Sequences are assigned to
// train/test with the deterministic hash split (no official split file in
// this layout).
func loadCollective(dir string, stage Stage, cfg Config) ([]Sample, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading dataset directory %q", dir)
	}
	var seqNames []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "seq") {
			seqNames = append(seqNames, entry.Name())
		}
	}
	sort.Strings(seqNames)
	if len(seqNames) == 0 {
		return nil, nil, errors.Errorf("no seqNN directories found in %q", dir)
	}

	bar := progressbar.NewOptions(len(seqNames),
		progressbar.OptionSetDescription("Scanning sequences"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("seq"),
	)
	labels := newLabelVocabulary()
	var samples []Sample
	for _, seqName := range seqNames {
		_ = bar.Add(1)
		if !inSplit(seqName, stage) {
			continue
		}
		seqDir := path.Join(dir, seqName)
		frames, flows, err := listFrameFiles(seqDir)
		if err != nil {
			return nil, nil, err
		}
		if len(frames) < cfg.SeqLen {
			continue
		}
		annotations, err := readCollectiveAnnotations(path.Join(seqDir, "annotations.txt"), labels)
		if err != nil {
			return nil, nil, err
		}
		sw, sh, err := sourceSize(frames[0])
		if err != nil {
			return nil, nil, err
		}
		seqSamples := cutWindows(seqName, frames, flows, func(lastFrameIdx int) ([]Box, []int) {
			// Annotation frame ids are 1-based.
			ann, found := annotations[lastFrameIdx+1]
			if !found {
				return nil, nil
			}
			return ann.boxes, ann.labels
		}, cfg)
		for i := range seqSamples {
			seqSamples[i].SourceWidth, seqSamples[i].SourceHeight = sw, sh
		}
		samples = append(samples, seqSamples...)
	}
	for i := range samples {
		samples[i].Index = i
	}
	return samples, labels.names, nil
}

// readCollectiveAnnotations parses an annotations.txt into per-frame boxes.
func readCollectiveAnnotations(annPath string, labels *labelVocabulary) (map[int]*frameAnnotation, error) {
	f, err := os.Open(annPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening annotations %q", annPath)
	}
	defer func() { _ = f.Close() }()

	annotations := make(map[int]*frameAnnotation)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) < 6 {
			return nil, errors.Errorf("%s:%d: expected \"frame x y w h action\", got %q",
				annPath, lineNum, line)
		}
		values := make([]float64, 5)
		for i := 0; i < 5; i++ {
			values[i], err = strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: field %d", annPath, lineNum, i)
			}
		}
		frameID := int(values[0])
		x, y, w, h := float32(values[1]), float32(values[2]), float32(values[3]), float32(values[4])
		ann := annotations[frameID]
		if ann == nil {
			ann = &frameAnnotation{}
			annotations[frameID] = ann
		}
		ann.boxes = append(ann.boxes, Box{x, y, x + w, y + h})
		ann.labels = append(ann.labels, labels.id(fields[5]))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading annotations %q", annPath)
	}
	return annotations, nil
}

// labelVocabulary interns action label names, assigning ids in order of
// first appearance.
type labelVocabulary struct {
	ids   map[string]int
	names []string
}

func newLabelVocabulary() *labelVocabulary {
	return &labelVocabulary{ids: make(map[string]int)}
}

func (v *labelVocabulary) id(name string) int {
	if id, found := v.ids[name]; found {
		return id
	}
	id := len(v.names)
	v.ids[name] = id
	v.names = append(v.names, name)
	return id
}
