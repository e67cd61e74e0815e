// Package distill deduplicates detections that appear more than once because
// adjacent tiles and regions overlap. It implements greedy NMS and Soft-NMS
// over the full-image pixel bounding boxes of features, grouped by dominant
// class.
package distill

import (
	"math"
	"sort"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
)

// Mode selects the feature-distillation algorithm.
type Mode string

const (
	ModeNone    Mode = "NONE"
	ModeNMS     Mode = "NMS"
	ModeSoftNMS Mode = "SOFT-NMS"
)

// ParseMode validates a wire-format mode string.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeNone, ModeNMS, ModeSoftNMS:
		return Mode(s), true
	case "":
		return ModeNone, true
	}
	return "", false
}

// Options holds the tunable parameters for feature distillation.
type Options struct {
	Mode         Mode
	IoUThreshold float64 // boxes above this IoU are considered duplicates
	Sigma        float64 // Gaussian decay width, Soft-NMS only
	ScoreFloor   float64 // decayed features below this score are dropped
}

// DefaultOptions returns the default distillation parameters.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeNMS,
		IoUThreshold: 0.5,
		Sigma:        0.5,
		ScoreFloor:   0.001,
	}
}

// Selector applies a distillation algorithm to feature sets.
type Selector struct {
	opts Options
}

// NewSelector builds a selector with the given options, filling zero values
// with defaults.
func NewSelector(opts Options) *Selector {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.IoUThreshold == 0 {
		opts.IoUThreshold = def.IoUThreshold
	}
	if opts.Sigma == 0 {
		opts.Sigma = def.Sigma
	}
	if opts.ScoreFloor == 0 {
		opts.ScoreFloor = def.ScoreFloor
	}
	return &Selector{opts: opts}
}

// candidate is a feature paired with its sortable selection state.
type candidate struct {
	feature *geo.Feature
	box     geo.BBox
	hasBox  bool
	class   string
	score   float64
	raw     float64
	order   int
}

// Select returns the deduplicated feature set. ModeNone returns the input
// unchanged. NMS output is a subset of the input; Soft-NMS preserves
// cardinality except for features decayed below the score floor.
func (s *Selector) Select(features []*geo.Feature) []*geo.Feature {
	if s.opts.Mode == ModeNone || len(features) <= 1 {
		return features
	}

	groups := make(map[string][]*candidate)
	classOrder := make([]string, 0)
	for i, f := range features {
		c := &candidate{feature: f, order: i, score: 1.0}
		if fc, ok := f.DominantClass(); ok {
			c.class = fc.IRI
			c.score = fc.Score
		}
		c.raw = c.score
		c.box, c.hasBox = f.PixelBounds()
		if _, seen := groups[c.class]; !seen {
			classOrder = append(classOrder, c.class)
		}
		groups[c.class] = append(groups[c.class], c)
	}

	out := make([]*geo.Feature, 0, len(features))
	for _, class := range classOrder {
		group := groups[class]
		sortCandidates(group)
		switch s.opts.Mode {
		case ModeNMS:
			out = append(out, s.selectHard(group)...)
		case ModeSoftNMS:
			out = append(out, s.selectSoft(group)...)
		}
	}
	return out
}

// selectHard is greedy NMS: keep the top candidate, suppress everything that
// overlaps it beyond the IoU threshold.
func (s *Selector) selectHard(group []*candidate) []*geo.Feature {
	suppressed := make([]bool, len(group))
	kept := make([]*geo.Feature, 0, len(group))
	for i, c := range group {
		if suppressed[i] {
			continue
		}
		kept = append(kept, c.feature)
		if !c.hasBox {
			continue
		}
		for j := i + 1; j < len(group); j++ {
			if suppressed[j] || !group[j].hasBox {
				continue
			}
			if ComputeIoU(c.box, group[j].box) > s.opts.IoUThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// selectSoft decays the scores of overlapping candidates instead of dropping
// them. The pre-decay score is preserved on the feature class as rawScore.
func (s *Selector) selectSoft(group []*candidate) []*geo.Feature {
	for i := range group {
		// Bring the highest remaining score to position i.
		maxIdx := i
		for j := i + 1; j < len(group); j++ {
			if group[j].score > group[maxIdx].score {
				maxIdx = j
			}
		}
		group[i], group[maxIdx] = group[maxIdx], group[i]

		if !group[i].hasBox {
			continue
		}
		for j := i + 1; j < len(group); j++ {
			if !group[j].hasBox {
				continue
			}
			iou := ComputeIoU(group[i].box, group[j].box)
			if iou > 0 {
				group[j].score *= math.Exp(-(iou * iou) / s.opts.Sigma)
			}
		}
	}

	kept := make([]*geo.Feature, 0, len(group))
	for _, c := range group {
		if c.score < s.opts.ScoreFloor {
			continue
		}
		if c.score != c.raw {
			applyDecayedScore(c.feature, c.class, c.score, c.raw)
		}
		kept = append(kept, c.feature)
	}
	return kept
}

// applyDecayedScore records the decayed score on the dominant class entry,
// keeping the original as rawScore.
func applyDecayedScore(f *geo.Feature, class string, score, raw float64) {
	for i := range f.Properties.FeatureClasses {
		fc := &f.Properties.FeatureClasses[i]
		if fc.IRI == class {
			if fc.RawScore == nil {
				orig := raw
				fc.RawScore = &orig
			}
			fc.Score = score
			return
		}
	}
}

// sortCandidates orders by descending score with deterministic tie-breaks:
// lower bbox min-x, then min-y, then original insertion order.
func sortCandidates(group []*candidate) {
	sort.SliceStable(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.hasBox && b.hasBox {
			if a.box.MinX() != b.box.MinX() {
				return a.box.MinX() < b.box.MinX()
			}
			if a.box.MinY() != b.box.MinY() {
				return a.box.MinY() < b.box.MinY()
			}
		}
		return a.order < b.order
	})
}

// ComputeIoU computes intersection over union for two pixel bounding boxes.
// Identical boxes are a perfect overlap even when degenerate (point or line
// geometries produce zero-area boxes).
func ComputeIoU(a, b geo.BBox) float64 {
	if a == b {
		return 1.0
	}
	left := math.Max(a.MinX(), b.MinX())
	top := math.Max(a.MinY(), b.MinY())
	right := math.Min(a.MaxX(), b.MaxX())
	bottom := math.Min(a.MaxY(), b.MaxY())

	if left >= right || top >= bottom {
		return 0.0
	}

	intersection := (right - left) * (bottom - top)
	union := a.Width()*a.Height() + b.Width()*b.Height() - intersection
	if union <= 0 {
		return 0.0
	}
	return intersection / union
}
