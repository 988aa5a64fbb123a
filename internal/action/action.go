package action

import (
	"strings"
	"time"
)

// Kind identifies what a structured action should do to the health log.
type Kind string

const (
	KindLogWater   Kind = "log_water"
	KindLogFood    Kind = "log_food"
	KindLogSymptom Kind = "log_symptom"
	KindLogVitamin Kind = "log_vitamin"
	KindAddVitamin Kind = "add_vitamin"
	KindUnknown    Kind = "unknown"
)

// ParseKind maps a wire tag to a Kind, defaulting to unknown.
func ParseKind(tag string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(tag))) {
	case KindLogWater, KindLogFood, KindLogSymptom, KindLogVitamin, KindAddVitamin:
		return Kind(strings.ToLower(strings.TrimSpace(tag)))
	default:
		return KindUnknown
	}
}

// Component is one sub-item of a compound meal ("chicken salad" -> chicken,
// lettuce, dressing).
type Component struct {
	Item     string `json:"item"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

// Details carries the optional typed fields of an action. Which fields are
// required is decided per Kind by the executor.
type Details struct {
	Item       string      `json:"item,omitempty"`
	Amount     string      `json:"amount,omitempty"`
	Unit       string      `json:"unit,omitempty"`
	Severity   string      `json:"severity,omitempty"`
	MealType   string      `json:"meal_type,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Timestamp  string      `json:"timestamp,omitempty"`
	Symptoms   []string    `json:"symptoms,omitempty"`
	Frequency  string      `json:"frequency,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// Action is an immutable value produced by the extractor.
type Action struct {
	Kind       Kind    `json:"kind"`
	Confidence float64 `json:"confidence"`
	Details    Details `json:"details"`
}

// Frequency is the fixed dosing schedule enumeration for supplements.
type Frequency string

const (
	FreqDaily         Frequency = "daily"
	FreqTwiceDaily    Frequency = "twice_daily"
	FreqThriceDaily   Frequency = "thrice_daily"
	FreqEveryOtherDay Frequency = "every_other_day"
	FreqWeekly        Frequency = "weekly"
	FreqAsNeeded      Frequency = "as_needed"
)

// ParseFrequency reduces a free-text dose description to the fixed
// enumeration using substring heuristics. Defaults to daily.
func ParseFrequency(text string) Frequency {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.Contains(t, "as needed"), strings.Contains(t, "when needed"), strings.Contains(t, "as-needed"):
		return FreqAsNeeded
	case strings.Contains(t, "every other day"), strings.Contains(t, "alternate day"):
		return FreqEveryOtherDay
	case strings.Contains(t, "three times"), strings.Contains(t, "thrice"), strings.Contains(t, "3 times"), strings.Contains(t, "3x"):
		return FreqThriceDaily
	case strings.Contains(t, "twice"), strings.Contains(t, "two times"), strings.Contains(t, "2 times"), strings.Contains(t, "2x"):
		return FreqTwiceDaily
	case strings.Contains(t, "week"):
		return FreqWeekly
	default:
		return FreqDaily
	}
}

// Fixed clock times per meal hint. Snack maps to a time-of-day-dependent slot.
var mealClock = map[string]struct{ hour, min int }{
	"breakfast": {8, 0},
	"lunch":     {12, 0},
	"dinner":    {18, 0},
}

// ResolveTimestamp derives the log timestamp for an action: meal hint first,
// then an explicit ISO-8601 timestamp, then now.
func ResolveTimestamp(d Details, now time.Time) time.Time {
	meal := strings.ToLower(strings.TrimSpace(d.MealType))
	if slot, ok := mealClock[meal]; ok {
		return time.Date(now.Year(), now.Month(), now.Day(), slot.hour, slot.min, 0, 0, now.Location())
	}
	if meal == "snack" {
		return time.Date(now.Year(), now.Month(), now.Day(), snackHour(now.Hour()), 0, 0, 0, now.Location())
	}
	if ts := strings.TrimSpace(d.Timestamp); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed
		}
	}
	return now
}

func snackHour(h int) int {
	switch {
	case h < 11:
		return 10
	case h < 17:
		return 15
	default:
		return 20
	}
}
