package domain

import (
	"time"
)

// Class is one of the fixed set of predicted classes.
type Class string

const (
	ClassNormal     Class = "normal"
	ClassRash       Class = "rash"
	ClassSkinCancer Class = "skin_cancer"
)

// ClassOrder is the canonical ordering used for tallies and tie-breaking.
var ClassOrder = []Class{ClassNormal, ClassRash, ClassSkinCancer}

// ValidClass reports whether c is a member of the fixed class set.
func ValidClass(c Class) bool {
	return c == ClassNormal || c == ClassRash || c == ClassSkinCancer
}

// ClassLabels maps classes to operator-facing display labels.
var ClassLabels = map[Class]string{
	ClassNormal:     "Normal",
	ClassRash:       "Eczema",
	ClassSkinCancer: "Skin cancer",
}

// Level is the coarse traffic-light verdict attached to an analysis result.
type Level string

const (
	LevelGreen  Level = "green"
	LevelYellow Level = "yellow"
	LevelRed    Level = "red"
)

// LevelStatusLabels maps severity levels to operator-facing status text.
var LevelStatusLabels = map[Level]string{
	LevelGreen:  "No concerning patterns identified",
	LevelYellow: "Review recommended",
	LevelRed:    "Priority follow-up suggested",
}

// RawAnalysis is the analysis result as delivered by the remote service.
// It is loosely shaped and must not be trusted until normalized by the
// summary package.
type RawAnalysis struct {
	Overall     *RawOverall     `json:"overall,omitempty"`
	Predictions []RawPrediction `json:"predictions,omitempty"`
	ByArea      map[string]any  `json:"byArea,omitempty"`
	Meta        *RawMeta        `json:"meta,omitempty"`
}

// RawOverall is the service-level verdict for a session.
type RawOverall struct {
	Level                Level    `json:"level,omitempty"`
	Summary              string   `json:"summary,omitempty"`
	Consistency          *float64 `json:"consistency,omitempty"`
	PrimaryDetectedClass Class    `json:"primaryDetectedClass,omitempty"`
}

// RawPrediction is a per-image classification before normalization. The
// service has shipped the class and confidence under different keys across
// model generations, so every historical variant is carried.
type RawPrediction struct {
	ImageID        string   `json:"imageId,omitempty"`
	Area           Area     `json:"area,omitempty"`
	PredictedClass Class    `json:"predictedClass,omitempty"`
	Label          Class    `json:"label,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	Probability    *float64 `json:"probability,omitempty"`
	CapturedAt     string   `json:"capturedAt,omitempty"`
	ImageURL       string   `json:"imageUrl,omitempty"`
}

// RawMeta carries model and generation metadata.
type RawMeta struct {
	ModelVersion     string `json:"modelVersion,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
	FallbackImageURL string `json:"fallbackImageUrl,omitempty"`
}

// Prediction is a normalized per-image classification. Confidence is always
// within [0,1].
type Prediction struct {
	ImageID        string    `json:"imageId"`
	Area           Area      `json:"area"`
	PredictedClass Class     `json:"predictedClass"`
	Confidence     float64   `json:"confidence"`
	CapturedAt     time.Time `json:"capturedAt"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	AnnotatedURL   string    `json:"annotatedUrl,omitempty"`
}

// SummaryTotals is the overall statistical block of a summary.
type SummaryTotals struct {
	TotalImages          int               `json:"totalImages"`
	Counts               map[Class]int     `json:"counts"`
	Percentages          map[Class]float64 `json:"percentages"`
	MeanConfidence       *float64          `json:"meanConfidence"`
	MedianConfidence     *float64          `json:"medianConfidence"`
	LowConfidenceRate    *float64          `json:"lowConfidenceRate"`
	PrimaryDetectedClass Class             `json:"primaryDetectedClass"`
	PrimaryMethod        string            `json:"primaryMethod"`
	CapturedAreas        []Area            `json:"capturedAreas"`
}

// AreaSummary aggregates predictions for one capture area.
type AreaSummary struct {
	Total          int               `json:"total"`
	Counts         map[Class]int     `json:"counts"`
	Percentages    map[Class]float64 `json:"percentages"`
	MeanConfidence *float64          `json:"meanConfidence"`
}

// Guidance is the outcome text derived from a summary.
type Guidance struct {
	Message      string `json:"message"`
	OutcomeLabel string `json:"outcomeLabel"`
}

// SummaryMeta records which model generation produced the summary and when.
type SummaryMeta struct {
	ModelVersion string    `json:"modelVersion"`
	GeneratedAt  time.Time `json:"generatedAt"`
}

// AnalysisSummary is the normalized statistical report derived from a raw
// analysis and the session's captured images. It is always recomputable
// from those inputs; persistence caches it to avoid recomputation.
type AnalysisSummary struct {
	Predictions []Prediction         `json:"predictions"`
	Summary     SummaryTotals        `json:"summary"`
	ByArea      map[Area]AreaSummary `json:"byArea"`
	Guidance    Guidance             `json:"guidance"`
	Labels      map[Class]string     `json:"labels"`
	Meta        SummaryMeta          `json:"meta"`
}

// FindPrediction returns the prediction for an image id, or nil.
func (s *AnalysisSummary) FindPrediction(imageID string) *Prediction {
	for i := range s.Predictions {
		if s.Predictions[i].ImageID == imageID {
			return &s.Predictions[i]
		}
	}
	return nil
}
