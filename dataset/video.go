package dataset

import (
	"os"
	"path"
	"sort"

	"github.com/pkg/errors"
)

// Video layout: a plain directory (or one level of sub-directories) of frame
// images, without annotations. Detections are read from a "detections.txt"
// file when present, with the same "frame x y w h class" line format as the
// collective layout (the class column, e.g. "person", is ignored); without
// one, a single full-frame box per window is assumed. Labels are always -1:
// this layout supports prediction but not evaluation.
func loadVideo(dir string, cfg Config) ([]Sample, error) {
	dirs := []string{dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dataset directory %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, path.Join(dir, entry.Name()))
		}
	}
	sort.Strings(dirs)

	var samples []Sample
	for _, seqDir := range dirs {
		frames, flows, err := listFrameFiles(seqDir)
		if err != nil {
			return nil, err
		}
		if len(frames) < cfg.SeqLen {
			continue
		}
		detections, err := readVideoDetections(path.Join(seqDir, "detections.txt"))
		if err != nil {
			return nil, err
		}
		sw, sh, err := sourceSize(frames[0])
		if err != nil {
			return nil, err
		}
		// In annotation coordinates: boxes are scaled by ResizeRatio at
		// yield time, so pre-divide to land on the stored-frame bounds.
		fullFrame := Box{0, 0, float32(sw), float32(sh)}
		if cfg.ResizeRatio > 0 {
			fullFrame[2] /= float32(cfg.ResizeRatio)
			fullFrame[3] /= float32(cfg.ResizeRatio)
		}
		seqSamples := cutWindows(path.Base(seqDir), frames, flows, func(lastFrameIdx int) ([]Box, []int) {
			if detections != nil {
				boxes := detections[lastFrameIdx+1]
				labels := make([]int, len(boxes))
				for i := range labels {
					labels[i] = -1
				}
				return boxes, labels
			}
			return []Box{fullFrame}, []int{-1}
		}, cfg)
		for i := range seqSamples {
			seqSamples[i].SourceWidth, seqSamples[i].SourceHeight = sw, sh
		}
		samples = append(samples, seqSamples...)
	}
	for i := range samples {
		samples[i].Index = i
	}
	return samples, nil
}

// readVideoDetections reads optional person detections; a nil map (with nil
// error) means the file is absent.
func readVideoDetections(detPath string) (map[int][]Box, error) {
	if _, err := os.Stat(detPath); os.IsNotExist(err) {
		return nil, nil
	}
	vocabulary := newLabelVocabulary()
	annotations, err := readCollectiveAnnotations(detPath, vocabulary)
	if err != nil {
		return nil, err
	}
	detections := make(map[int][]Box, len(annotations))
	for frameID, ann := range annotations {
		detections[frameID] = ann.boxes
	}
	return detections, nil
}
