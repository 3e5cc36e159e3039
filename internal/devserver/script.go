package devserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/keyword-job-tracker/internal/hash/sha256"
	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

// failMarker in a seed makes the scripted analysis fail at the volume stage.
const failMarker = "fail"

// Run is the scripted analysis of one seed: the progress frames in order,
// ending in a terminal frame, plus the result sets of a completed run.
type Run struct {
	Steps   []job.ProgressMessage
	Results map[job.ResultKind]json.RawMessage
}

// Script builds the deterministic analysis of seed.
func Script(seed string) Run {
	h := sha256.New().Uint64([]byte(normalizeSeed(seed)))
	words := 20 + int(h%30)
	competitors := 3 + int((h>>8)%7)
	seedVolume := int64(1000 + (h>>16)%90000)
	totalVolume := seedVolume * int64(2+(h>>32)%8)

	var steps []job.ProgressMessage
	add := func(stage job.Stage, percent float64, text string, details any) {
		steps = append(steps, mustMessage(stage, percent, text, details))
	}

	add(job.StageInitializing, 5, "Preparing analysis", job.InitializingDetails{Keyword: seed})
	add(job.StageAnalyzingCooccurrence, 15, "Collecting related searches",
		job.CooccurrenceDetails{Current: 1, Total: 3, FoundWords: words / 3})
	add(job.StageAnalyzingCooccurrence, 30, "Collecting related searches",
		job.CooccurrenceDetails{Current: 3, Total: 3, FoundWords: words})
	if strings.Contains(normalizeSeed(seed), failMarker) {
		add(job.StageError, 0, "Analysis failed", job.ErrorDetails{Error: "search volume provider unavailable"})
		return Run{Steps: steps}
	}
	add(job.StageCalculatingVolume, 50, "Estimating search volume",
		job.VolumeDetails{Current: words / 2, Total: words, ProcessedWords: words / 2})
	add(job.StageCalculatingVolume, 70, "Estimating search volume",
		job.VolumeDetails{Current: words, Total: words, ProcessedWords: words})
	add(job.StageAnalyzingCompetitors, 85, "Comparing competitor keywords",
		job.CompetitorDetails{Current: 1, Total: 2, FoundCompetitors: competitors})
	add(job.StageCompleted, 100, "Analysis complete",
		job.CompletedDetails{TotalVolume: totalVolume, SeedVolume: seedVolume})

	return Run{Steps: steps, Results: results(seed, words, competitors, seedVolume, totalVolume)}
}

func results(seed string, words, competitors int, seedVolume, totalVolume int64) map[job.ResultKind]json.RawMessage {
	related := make([]map[string]any, 0, words)
	for i := 0; i < words; i++ {
		related = append(related, map[string]any{
			"keyword": fmt.Sprintf("%s %d", seed, i+1),
			"count":   words - i,
		})
	}
	rivals := make([]map[string]any, 0, competitors)
	for i := 0; i < competitors; i++ {
		rivals = append(rivals, map[string]any{
			"keyword": fmt.Sprintf("%s alternative %d", seed, i+1),
			"overlap": float64(competitors-i) / float64(competitors),
		})
	}
	volumes := make([]map[string]any, 0, len(related))
	for i, r := range related {
		volumes = append(volumes, map[string]any{
			"keyword": r["keyword"],
			"volume":  seedVolume / int64(i+2),
		})
	}
	return map[job.ResultKind]json.RawMessage{
		job.ResultOverview: mustJSON(map[string]any{
			"seed_input":   seed,
			"total_volume": totalVolume,
			"seed_volume":  seedVolume,
		}),
		job.ResultCooccurrence: mustJSON(related),
		job.ResultVolume:       mustJSON(map[string]any{"items": volumes}),
		job.ResultCompetitors:  mustJSON(rivals),
		job.ResultUserProfiles: mustJSON([]map[string]any{
			{"segment": "18-24", "share": 0.3},
			{"segment": "25-34", "share": 0.45},
			{"segment": "35+", "share": 0.25},
		}),
	}
}

// mustMessage and mustJSON encode fixed structs that always marshal.
func mustMessage(stage job.Stage, percent float64, text string, details any) job.ProgressMessage {
	msg, err := job.NewProgress(stage, percent, text, details)
	if err != nil {
		panic(err)
	}
	return msg
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// Insight summarizes a completed job the way the integrated analysis does.
func Insight(brief job.Brief) string {
	share := 0.0
	if brief.TotalResult > 0 {
		share = float64(brief.SeedResult) / float64(brief.TotalResult) * 100
	}
	return fmt.Sprintf("%q draws %d of %d monthly searches across its related keywords (%.1f%%). "+
		"Related terms carry most of the demand, so content should target them alongside the seed.",
		brief.SeedInput, brief.SeedResult, brief.TotalResult, share)
}
