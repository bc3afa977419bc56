package dataset

import (
	"bufio"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Volleyball layout:
//
//	<dataset_dir>/videos/<video_id>/annotations.txt
//	<dataset_dir>/videos/<video_id>/<target_frame>/*.jpg (window around the
//	target frame, .flo files optional alongside)
//
// Each annotation line is
//
//	<target_frame>.jpg <group_activity> (x y w h action)*
//
// with one (x y w h action) group per player. The group activity token is
// kept in the file but clustering evaluates against the per-player action
// labels, which is what the model clusters.
func loadVolleyball(dir string, stage Stage, cfg Config) ([]Sample, []string, error) {
	videosDir := path.Join(dir, "videos")
	entries, err := os.ReadDir(videosDir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading videos directory %q", videosDir)
	}
	var videoIDs []string
	for _, entry := range entries {
		if entry.IsDir() {
			videoIDs = append(videoIDs, entry.Name())
		}
	}
	sort.Strings(videoIDs)
	if len(videoIDs) == 0 {
		return nil, nil, errors.Errorf("no video directories found in %q", videosDir)
	}

	labels := newLabelVocabulary()
	var samples []Sample
	for _, videoID := range videoIDs {
		if !inSplit("video"+videoID, stage) {
			continue
		}
		videoDir := path.Join(videosDir, videoID)
		clips, err := readVolleyballAnnotations(path.Join(videoDir, "annotations.txt"), labels)
		if err != nil {
			return nil, nil, err
		}
		for _, clip := range clips {
			clipDir := path.Join(videoDir, clip.targetFrame)
			frames, flows, err := listFrameFiles(clipDir)
			if err != nil || len(frames) < cfg.SeqLen {
				continue // Clip directory absent or too short: skip.
			}
			sw, sh, err := sourceSize(frames[0])
			if err != nil {
				return nil, nil, err
			}
			// The window ends at the clip's end: the boxes annotate
			// the target (center) frame, the closest to the end of a
			// trimmed window.
			start := len(frames) - cfg.SeqLen
			sample := Sample{
				Sequence:     "video" + videoID + "/" + clip.targetFrame,
				FramePaths:   frames[start:],
				Boxes:        clip.boxes,
				Labels:       clip.labels,
				SourceWidth:  sw,
				SourceHeight: sh,
			}
			if flows != nil {
				sample.FlowPaths = flows[start:]
			}
			samples = append(samples, sample)
		}
	}
	for i := range samples {
		samples[i].Index = i
	}
	return samples, labels.names, nil
}

type volleyballClip struct {
	targetFrame string
	boxes       []Box
	labels      []int
}

func readVolleyballAnnotations(annPath string, labels *labelVocabulary) ([]volleyballClip, error) {
	f, err := os.Open(annPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening annotations %q", annPath)
	}
	defer func() { _ = f.Close() }()

	var clips []volleyballClip
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || (len(fields)-2)%5 != 0 {
			return nil, errors.Errorf(
				"%s:%d: expected \"frame.jpg group (x y w h action)*\", got %d fields",
				annPath, lineNum, len(fields))
		}
		clip := volleyballClip{
			targetFrame: strings.TrimSuffix(fields[0], path.Ext(fields[0])),
		}
		for at := 2; at < len(fields); at += 5 {
			values := make([]float64, 4)
			for i := 0; i < 4; i++ {
				values[i], err = strconv.ParseFloat(fields[at+i], 64)
				if err != nil {
					return nil, errors.Wrapf(err, "%s:%d: field %d", annPath, lineNum, at+i)
				}
			}
			x, y, w, h := float32(values[0]), float32(values[1]), float32(values[2]), float32(values[3])
			clip.boxes = append(clip.boxes, Box{x, y, x + w, y + h})
			clip.labels = append(clip.labels, labels.id(fields[at+4]))
		}
		clips = append(clips, clip)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading annotations %q", annPath)
	}
	return clips, nil
}
