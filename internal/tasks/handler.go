package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"voicelog/internal/llm"
	"voicelog/internal/store"
)

// Nutrition estimates macros for a named food.
type Nutrition interface {
	EstimateFoodMacros(ctx context.Context, foodName string) (llm.Macros, error)
}

// NewFoodMacrosHandler builds the handler for TypeFetchFoodMacros: estimate
// the macros for the food named in the payload and patch them onto the
// placeholder log entry, promoting it from processing to done.
func NewFoodMacrosHandler(logs LogStore, nutrition Nutrition, now func() time.Time) Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(ctx context.Context, payload map[string]string) (string, error) {
		food := payload[PayloadFoodName]
		entryID := payload[PayloadLogEntryID]
		if food == "" || entryID == "" {
			return "", fmt.Errorf("macro fetch payload incomplete: food=%q entry=%q", food, entryID)
		}
		m, err := nutrition.EstimateFoodMacros(ctx, food)
		if err != nil {
			return "", fmt.Errorf("estimate macros for %q: %w", food, err)
		}

		status := store.EntryDone
		patch := store.EntryPatch{
			Status:   &status,
			Calories: &m.Calories,
			ProteinG: &m.ProteinG,
			CarbsG:   &m.CarbsG,
			FatG:     &m.FatG,
		}
		if !EnergyBalanced(m) {
			// Flag, don't reject. The estimate is still better than nothing.
			note := "macro energy mismatch"
			patch.Notes = &note
			log.Printf("macro mismatch food=%q calories=%.0f derived=%.0f", food, m.Calories, deriveCalories(m))
		}
		if err := logs.UpdateEntry(ctx, entryID, patch, now()); err != nil {
			return "", fmt.Errorf("update entry %s: %w", entryID, err)
		}
		result, _ := json.Marshal(m)
		return string(result), nil
	}
}

func deriveCalories(m llm.Macros) float64 {
	return m.ProteinG*4 + m.CarbsG*4 + m.FatG*9
}

// EnergyBalanced reports whether the calorie figure roughly matches the
// 4/4/9 kcal-per-gram derivation from the macros. Tolerance is 15% of the
// stated calories with a 40 kcal floor for small foods.
func EnergyBalanced(m llm.Macros) bool {
	tolerance := math.Max(40, m.Calories*0.15)
	return math.Abs(deriveCalories(m)-m.Calories) <= tolerance
}
