// Package summary derives a normalized statistical report from a session's
// raw analysis result. The build is a pure transform: deterministic given
// the session images and raw analysis, with no I/O and no state.
package summary

import (
	"math"
	"sort"
	"time"

	"screening-console/internal/domain"

	"github.com/google/uuid"
)

// LowConfidenceThreshold is the confidence below which a prediction counts
// toward the low-confidence rate.
const LowConfidenceThreshold = 0.6

// HighRiskThreshold is the skin cancer confidence at or above which the
// priority follow-up guidance is forced.
const HighRiskThreshold = 0.8

const primaryMethodText = "Primary detected class uses majority vote across images; ties are broken by average confidence."

const fallbackModelVersion = "mock-1.0"

// Build derives the analysis summary for a session. The session's raw
// analysis may be nil or arbitrarily degraded; the result is still total.
func Build(session *domain.Session) *domain.AnalysisSummary {
	now := time.Now().UTC()
	predictions := normalizePredictions(session, now)

	totalImages := len(predictions)
	counts := emptyCounts()
	for _, p := range predictions {
		counts[p.PredictedClass]++
	}

	confidences := make([]float64, 0, totalImages)
	lowCount := 0
	for _, p := range predictions {
		confidences = append(confidences, p.Confidence)
		if p.Confidence < LowConfidenceThreshold {
			lowCount++
		}
	}

	totals := domain.SummaryTotals{
		TotalImages:          totalImages,
		Counts:               counts,
		Percentages:          percentages(counts, totalImages),
		MeanConfidence:       scaled(mean(confidences)),
		MedianConfidence:     scaled(median(confidences)),
		PrimaryDetectedClass: primaryClass(counts, predictions),
		PrimaryMethod:        primaryMethodText,
	}
	if totalImages > 0 {
		rate := float64(lowCount) / float64(totalImages) * 100
		totals.LowConfidenceRate = &rate
	}

	byArea := make(map[domain.Area]domain.AreaSummary, len(domain.AreaOrder))
	capturedAreas := []domain.Area{}
	for _, area := range domain.AreaOrder {
		as := summarizeArea(area, predictions)
		byArea[area] = as
		if as.Total > 0 {
			capturedAreas = append(capturedAreas, area)
		}
	}
	totals.CapturedAreas = capturedAreas

	return &domain.AnalysisSummary{
		Predictions: predictions,
		Summary:     totals,
		ByArea:      byArea,
		Guidance:    buildGuidance(counts, predictions),
		Labels:      domain.ClassLabels,
		Meta:        buildMeta(session, now),
	}
}

type imageRef struct {
	img  domain.ImageCapture
	area domain.Area
}

// normalizePredictions is the only crossing from the unvalidated raw result
// into trusted predictions. Every field is resolved through a fallback
// chain, and a session with captured images but no usable predictions gets
// one synthesized prediction per image instead of an empty analysis.
func normalizePredictions(session *domain.Session, now time.Time) []domain.Prediction {
	raw := session.Analysis

	lookup := make(map[string]imageRef)
	ordered := []imageRef{}
	for _, area := range domain.AreaOrder {
		for _, img := range session.Images[area] {
			ref := imageRef{img: img, area: area}
			lookup[img.ID] = ref
			ordered = append(ordered, ref)
		}
	}

	fallback := fallbackClass(raw)
	var rawPreds []domain.RawPrediction
	if raw != nil {
		rawPreds = raw.Predictions
	}

	normalized := make([]domain.Prediction, 0, len(rawPreds))
	for _, rp := range rawPreds {
		ref, known := lookup[rp.ImageID]

		cls := rp.PredictedClass
		if !domain.ValidClass(cls) {
			cls = rp.Label
		}
		if !domain.ValidClass(cls) {
			cls = fallback
		}

		p := domain.Prediction{
			ImageID:        rp.ImageID,
			Area:           rp.Area,
			PredictedClass: cls,
			Confidence:     resolveConfidence(rp, raw),
			CapturedAt:     resolveCapturedAt(rp.CapturedAt, ref, known, raw, now),
			ImageURL:       rp.ImageURL,
		}
		if p.ImageID == "" {
			if known {
				p.ImageID = ref.img.ID
			} else {
				p.ImageID = uuid.NewString()
			}
		}
		if !domain.ValidArea(p.Area) {
			if known {
				p.Area = ref.area
			} else {
				p.Area = domain.AreaFace
			}
		}
		if p.ImageURL == "" {
			if known {
				p.ImageURL = ref.img.URL
			} else if raw != nil && raw.Meta != nil {
				p.ImageURL = raw.Meta.FallbackImageURL
			}
		}
		normalized = append(normalized, p)
	}

	if len(normalized) > 0 {
		return normalized
	}

	conf := 0.5
	if c := overallConsistency(raw); c != nil {
		conf = normalizeConfidence(*c)
	}
	for _, ref := range ordered {
		normalized = append(normalized, domain.Prediction{
			ImageID:        ref.img.ID,
			Area:           ref.area,
			PredictedClass: fallback,
			Confidence:     conf,
			CapturedAt:     ref.img.CreatedAt,
			ImageURL:       ref.img.URL,
		})
	}
	return normalized
}

// fallbackClass maps the overall severity level onto a class when a raw
// prediction carries no usable class of its own.
func fallbackClass(raw *domain.RawAnalysis) domain.Class {
	if raw == nil || raw.Overall == nil {
		return domain.ClassNormal
	}
	switch raw.Overall.Level {
	case domain.LevelRed:
		return domain.ClassSkinCancer
	case domain.LevelYellow:
		return domain.ClassRash
	default:
		return domain.ClassNormal
	}
}

func overallConsistency(raw *domain.RawAnalysis) *float64 {
	if raw == nil || raw.Overall == nil {
		return nil
	}
	return raw.Overall.Consistency
}

// resolveConfidence takes the first available raw confidence field and
// normalizes it into [0,1]. Values above 1 are treated as percentages.
// With no derivable confidence the neutral 0.5 is used.
func resolveConfidence(rp domain.RawPrediction, raw *domain.RawAnalysis) float64 {
	for _, v := range []*float64{rp.Confidence, rp.Score, rp.Probability, overallConsistency(raw)} {
		if v != nil {
			return normalizeConfidence(*v)
		}
	}
	return 0.5
}

func normalizeConfidence(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	return math.Max(0, math.Min(1, v))
}

func resolveCapturedAt(rawValue string, ref imageRef, known bool, raw *domain.RawAnalysis, now time.Time) time.Time {
	if rawValue != "" {
		if t, err := time.Parse(time.RFC3339, rawValue); err == nil {
			return t
		}
	}
	if known && !ref.img.CreatedAt.IsZero() {
		return ref.img.CreatedAt
	}
	if raw != nil && raw.Meta != nil && raw.Meta.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, raw.Meta.Timestamp); err == nil {
			return t
		}
	}
	return now
}

func emptyCounts() map[domain.Class]int {
	counts := make(map[domain.Class]int, len(domain.ClassOrder))
	for _, cls := range domain.ClassOrder {
		counts[cls] = 0
	}
	return counts
}

// percentages computes per-class shares rounded to one decimal. A zero
// total yields all-zero percentages.
func percentages(counts map[domain.Class]int, total int) map[domain.Class]float64 {
	pct := make(map[domain.Class]float64, len(domain.ClassOrder))
	for _, cls := range domain.ClassOrder {
		if total == 0 {
			pct[cls] = 0
			continue
		}
		v := float64(counts[cls]) / float64(total) * 100
		pct[cls] = math.Round(v*10) / 10
	}
	return pct
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	return &m
}

func median(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	var m float64
	if len(sorted)%2 == 0 {
		m = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		m = sorted[mid]
	}
	return &m
}

// scaled converts a [0,1] statistic into a percentage, preserving nil so
// "no data" stays distinguishable from zero.
func scaled(v *float64) *float64 {
	if v == nil {
		return nil
	}
	s := *v * 100
	return &s
}

// primaryClass ranks classes by count descending, breaking ties by higher
// mean confidence within the class. A remaining tie resolves to the earliest
// class in canonical order, which puts normal first.
func primaryClass(counts map[domain.Class]int, predictions []domain.Prediction) domain.Class {
	type ranked struct {
		cls   domain.Class
		count int
		mean  float64
	}
	rankings := make([]ranked, 0, len(domain.ClassOrder))
	for _, cls := range domain.ClassOrder {
		sum, n := 0.0, 0
		for _, p := range predictions {
			if p.PredictedClass == cls {
				sum += p.Confidence
				n++
			}
		}
		m := 0.0
		if n > 0 {
			m = sum / float64(n)
		}
		rankings = append(rankings, ranked{cls: cls, count: counts[cls], mean: m})
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].count != rankings[j].count {
			return rankings[i].count > rankings[j].count
		}
		return rankings[i].mean > rankings[j].mean
	})
	return rankings[0].cls
}

func summarizeArea(area domain.Area, predictions []domain.Prediction) domain.AreaSummary {
	counts := emptyCounts()
	confidences := []float64{}
	for _, p := range predictions {
		if p.Area != area {
			continue
		}
		counts[p.PredictedClass]++
		confidences = append(confidences, p.Confidence)
	}
	return domain.AreaSummary{
		Total:          len(confidences),
		Counts:         counts,
		Percentages:    percentages(counts, len(confidences)),
		MeanConfidence: scaled(mean(confidences)),
	}
}

// buildGuidance applies the outcome rules in priority order; the first
// matching rule wins.
func buildGuidance(counts map[domain.Class]int, predictions []domain.Prediction) domain.Guidance {
	for _, p := range predictions {
		if p.PredictedClass == domain.ClassSkinCancer && p.Confidence >= HighRiskThreshold {
			return domain.Guidance{
				Message:      "Priority follow-up with a qualified healthcare professional is recommended.",
				OutcomeLabel: "Priority follow-up recommended",
			}
		}
	}

	rash := counts[domain.ClassRash]
	if rash > counts[domain.ClassNormal] && rash >= counts[domain.ClassSkinCancer] && rash > 0 {
		return domain.Guidance{
			Message:      "Review recommended if symptoms persist.",
			OutcomeLabel: "Review recommended",
		}
	}

	return domain.Guidance{
		Message:      "No concerning patterns identified.",
		OutcomeLabel: "No concerning patterns identified",
	}
}

func buildMeta(session *domain.Session, now time.Time) domain.SummaryMeta {
	meta := domain.SummaryMeta{ModelVersion: fallbackModelVersion, GeneratedAt: now}
	if session.Analysis != nil && session.Analysis.Meta != nil {
		if v := session.Analysis.Meta.ModelVersion; v != "" {
			meta.ModelVersion = v
		}
		if ts := session.Analysis.Meta.Timestamp; ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				meta.GeneratedAt = t
			}
		}
	} else if session.SessionEndedAt != nil {
		meta.GeneratedAt = *session.SessionEndedAt
	} else if !session.SessionStartedAt.IsZero() {
		meta.GeneratedAt = session.SessionStartedAt
	}
	return meta
}
