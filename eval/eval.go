// Package eval scores a clustering prediction run against the dataset's
// action annotations: cluster purity, normalized mutual information and the
// adjusted Rand index, plus a per-cluster composition table.
package eval

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/kojikojiprg/individual-clustering/dataset"
	"github.com/kojikojiprg/individual-clustering/model"
)

// Result holds the metrics of one evaluation run.
type Result struct {
	Stage       string  `json:"stage"`
	Version     string  `json:"version"`
	NumSlots    int     `json:"num_slots"`
	NumClusters int     `json:"num_clusters"`
	NumClasses  int     `json:"num_classes"`
	Purity      float64 `json:"purity"`
	NMI         float64 `json:"nmi"`
	ARI         float64 `json:"ari"`
}

// contingency is the cluster x class co-occurrence of one prediction run.
type contingency struct {
	counts   map[[2]int]int
	clusters map[int]int
	classes  map[int]int
	total    int
}

func newContingency() *contingency {
	return &contingency{
		counts:   map[[2]int]int{},
		clusters: map[int]int{},
		classes:  map[int]int{},
	}
}

func (ct *contingency) add(cluster, class int) {
	ct.counts[[2]int{cluster, class}]++
	ct.clusters[cluster]++
	ct.classes[class]++
	ct.total++
}

// Evaluate matches every prediction record to its ground-truth action label
// and computes the clustering metrics and the per-cluster composition table.
// The dataset must carry annotations: the video layout cannot be evaluated.
func Evaluate(ds *dataset.Dataset, records []model.PredictionRecord) (*Result, dataframe.DataFrame, error) {
	var empty dataframe.DataFrame
	if len(ds.LabelNames) == 0 {
		return nil, empty, errors.New("dataset carries no action annotations, nothing to evaluate against")
	}
	if len(records) == 0 {
		return nil, empty, errors.New("predictions file holds no records")
	}

	maxBoxes := ds.MaxBoxes()
	samples := ds.Samples()
	ct := newContingency()
	for _, record := range records {
		clip, slot := record.SampleNum/maxBoxes, record.SampleNum%maxBoxes
		if clip < 0 || clip >= len(samples) || slot >= len(samples[clip].Labels) {
			return nil, empty, errors.Errorf(
				"prediction sample_num=%d does not match any dataset slot: predictions were made on a different split or configuration",
				record.SampleNum)
		}
		label := samples[clip].Labels[slot]
		if label < 0 {
			continue
		}
		ct.add(record.Cluster, label)
	}
	if ct.total == 0 {
		return nil, empty, errors.New("no prediction matched a labeled slot")
	}

	result := &Result{
		NumSlots:    ct.total,
		NumClusters: len(ct.clusters),
		NumClasses:  len(ct.classes),
		Purity:      purity(ct),
		NMI:         normalizedMutualInfo(ct),
		ARI:         adjustedRandIndex(ct),
	}
	return result, clusterTable(ct, ds.LabelNames), nil
}

// purity is the share of slots that fall in their cluster's majority class.
func purity(ct *contingency) float64 {
	sum := 0
	for cluster := range ct.clusters {
		best := 0
		for class := range ct.classes {
			if n := ct.counts[[2]int{cluster, class}]; n > best {
				best = n
			}
		}
		sum += best
	}
	return float64(sum) / float64(ct.total)
}

// normalizedMutualInfo is I(cluster; class) / sqrt(H(cluster) * H(class)),
// zero when either marginal is degenerate.
func normalizedMutualInfo(ct *contingency) float64 {
	n := float64(ct.total)
	mutual := 0.0
	for pair, count := range ct.counts {
		if count == 0 {
			continue
		}
		joint := float64(count) / n
		pCluster := float64(ct.clusters[pair[0]]) / n
		pClass := float64(ct.classes[pair[1]]) / n
		mutual += joint * math.Log(joint/(pCluster*pClass))
	}
	entropy := func(marginal map[int]int) float64 {
		h := 0.0
		for _, count := range marginal {
			if count == 0 {
				continue
			}
			p := float64(count) / n
			h -= p * math.Log(p)
		}
		return h
	}
	hCluster, hClass := entropy(ct.clusters), entropy(ct.classes)
	if hCluster == 0 || hClass == 0 {
		return 0
	}
	return mutual / math.Sqrt(hCluster*hClass)
}

func comb2(n int) float64 {
	return float64(n) * float64(n-1) / 2
}

// adjustedRandIndex is the Rand index corrected for chance; 1 when the
// partition is trivially perfect.
func adjustedRandIndex(ct *contingency) float64 {
	sumCells := 0.0
	for _, count := range ct.counts {
		sumCells += comb2(count)
	}
	sumClusters, sumClasses := 0.0, 0.0
	for _, count := range ct.clusters {
		sumClusters += comb2(count)
	}
	for _, count := range ct.classes {
		sumClasses += comb2(count)
	}
	expected := sumClusters * sumClasses / comb2(ct.total)
	maxIndex := (sumClusters + sumClasses) / 2
	if maxIndex == expected {
		return 1
	}
	return (sumCells - expected) / (maxIndex - expected)
}

// clusterTable builds the per-cluster composition report: size, share of the
// dataset, and the majority action with its share of the cluster.
func clusterTable(ct *contingency, labelNames []string) dataframe.DataFrame {
	clusters := make([]int, 0, len(ct.clusters))
	for cluster := range ct.clusters {
		clusters = append(clusters, cluster)
	}
	sort.Ints(clusters)

	sizes := make([]int, len(clusters))
	shares := make([]float64, len(clusters))
	topActions := make([]string, len(clusters))
	topShares := make([]float64, len(clusters))
	for i, cluster := range clusters {
		size := ct.clusters[cluster]
		sizes[i] = size
		shares[i] = float64(size) / float64(ct.total)
		bestClass, bestCount := -1, 0
		for class := range ct.classes {
			if n := ct.counts[[2]int{cluster, class}]; n > bestCount {
				bestClass, bestCount = class, n
			}
		}
		if bestClass >= 0 && bestClass < len(labelNames) {
			topActions[i] = labelNames[bestClass]
		} else {
			topActions[i] = fmt.Sprintf("label_%d", bestClass)
		}
		topShares[i] = float64(bestCount) / float64(size)
	}
	return dataframe.New(
		series.New(clusters, series.Int, "cluster"),
		series.New(sizes, series.Int, "size"),
		series.New(shares, series.Float, "share"),
		series.New(topActions, series.String, "top_action"),
		series.New(topShares, series.Float, "top_action_share"),
	)
}

// ResultPath is where WriteResult stores the metrics of one (stage, version)
// pair, next to the predictions file.
func ResultPath(logDir string, stage dataset.Stage, version string) string {
	return filepath.Join(logDir, fmt.Sprintf("evaluation_%s_%s.json", stage, version))
}

// WriteResult stores the metrics as indented JSON at path.
func WriteResult(path string, result *Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding evaluation result")
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "writing evaluation result to %q", path)
	}
	return nil
}
