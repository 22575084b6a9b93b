package aggregation

import (
	"math"
	"sort"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
)

// ClampConfidence maps a reported confidence into [0,1]. Missing, NaN and
// out-of-range values count as 0.
func ClampConfidence(v *float64) float64 {
	if v == nil {
		return 0
	}
	c := *v
	if math.IsNaN(c) || c < 0 || c > 1 {
		return 0
	}
	return c
}

// Combine returns the confidence of a coalesced entity: the highest of its
// corroborating extractions. Adding a source can never lower it.
func Combine(extractions []models.Extraction) float64 {
	best := 0.0
	for _, ex := range extractions {
		c := ex.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			c = 0
		}
		if c > best {
			best = c
		}
	}
	return best
}

func mergeExtractions(sets ...[]models.Extraction) []models.Extraction {
	index := make(map[string]int)
	var out []models.Extraction
	for _, set := range sets {
		for _, ex := range set {
			k := ex.Source.Key()
			if i, ok := index[k]; ok {
				if ex.Confidence > out[i].Confidence {
					out[i].Confidence = ex.Confidence
				}
				continue
			}
			index[k] = len(out)
			out = append(out, ex)
		}
	}
	sortExtractions(out)
	return out
}

func sortExtractions(extractions []models.Extraction) {
	sort.SliceStable(extractions, func(i, j int) bool {
		a, b := extractions[i].Source, extractions[j].Source
		if !a.ExtractionTimestamp.Equal(b.ExtractionTimestamp) {
			return a.ExtractionTimestamp.Before(b.ExtractionTimestamp)
		}
		return a.Key() < b.Key()
	})
}
