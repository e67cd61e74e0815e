package distill

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
)

// genFeature generates a feature with a random box and score drawn from a
// small class vocabulary so overlaps and class collisions actually happen.
func genFeature() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(0, 500),
		gen.Float64Range(0, 500),
		gen.Float64Range(1, 50),
		gen.Float64Range(0.05, 1.0),
		gen.IntRange(0, 2),
	).Map(func(vals []interface{}) *geo.Feature {
		x, _ := vals[0].(float64)
		y, _ := vals[1].(float64)
		size, _ := vals[2].(float64)
		score, _ := vals[3].(float64)
		classIdx, _ := vals[4].(int)
		classes := []string{"ship", "plane", "vehicle"}
		return boxFeature(classes[classIdx], score, x, y, x+size, y+size)
	})
}

func genFeatures() gopter.Gen {
	return gen.SliceOfN(25, genFeature())
}

// TestNMS_OutputSubsetOfInput verifies hard NMS never invents features.
func TestNMS_OutputSubsetOfInput(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("NMS output is a subset of its input", prop.ForAll(
		func(features []*geo.Feature, threshold float64) bool {
			seen := make(map[*geo.Feature]bool, len(features))
			for _, f := range features {
				seen[f] = true
			}
			out := NewSelector(Options{Mode: ModeNMS, IoUThreshold: threshold}).Select(features)
			if len(out) > len(features) {
				return false
			}
			for _, f := range out {
				if !seen[f] {
					return false
				}
			}
			return true
		},
		genFeatures(),
		gen.Float64Range(0.1, 0.9),
	))

	properties.TestingRun(t)
}

// TestSoftNMS_RawScorePreservesOriginal verifies every decayed class entry
// keeps its pre-decay score in rawScore.
func TestSoftNMS_RawScorePreservesOriginal(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("rawScore equals the original score for decayed features", prop.ForAll(
		func(features []*geo.Feature) bool {
			originals := make(map[*geo.Feature]float64, len(features))
			for _, f := range features {
				fc, _ := f.DominantClass()
				originals[f] = fc.Score
			}
			out := NewSelector(Options{Mode: ModeSoftNMS}).Select(features)
			for _, f := range out {
				for _, fc := range f.Properties.FeatureClasses {
					if fc.RawScore != nil && *fc.RawScore != originals[f] {
						return false
					}
				}
			}
			return true
		},
		genFeatures(),
	))

	properties.TestingRun(t)
}
