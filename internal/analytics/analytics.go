// Package analytics summarizes a user's emotion history.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/normanking/cortexcompanion/internal/data"
)

// Source is the slice of the data store analytics reads from.
type Source interface {
	EmotionHistory(ctx context.Context, userID string, since time.Time) ([]data.EmotionRecord, error)
	CountTurns(ctx context.Context, userID string, since time.Time) (int, error)
}

var (
	summaryPositive = []string{"happy", "surprise", "calm"}
	summaryNegative = []string{"sad", "angry", "fear"}
	trendPositive   = []string{"happy", "surprise"}
	trendNegative   = []string{"sad", "angry"}
)

// Summary aggregates emotion records over a period.
type Summary struct {
	TotalRecords      int            `json:"total_records"`
	DominantEmotion   string         `json:"dominant_emotion"`
	Distribution      map[string]int `json:"emotion_distribution"`
	AverageConfidence float64        `json:"average_confidence"`
	MoodScore         int            `json:"mood_score"`
	PeriodDays        int            `json:"period_days"`
}

// CalendarDay is one cell of the mood heatmap.
type CalendarDay struct {
	Date            string         `json:"date"`
	DominantEmotion string         `json:"dominant_emotion"`
	Intensity       float64        `json:"intensity"`
	Count           int            `json:"count"`
	Emotions        map[string]int `json:"emotions"`
}

// TrendPoint is the mood score for one hour.
type TrendPoint struct {
	Timestamp string         `json:"timestamp"`
	MoodScore int            `json:"mood_score"`
	Count     int            `json:"count"`
	Emotions  map[string]int `json:"emotions"`
}

// Insight is a short observation shown on the dashboard.
type Insight struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Severity    string `json:"severity"`
}

// Report bundles everything the dashboard asks for at once.
type Report struct {
	Summary  Summary       `json:"summary"`
	Calendar []CalendarDay `json:"calendar"`
	Insights []Insight     `json:"insights"`
	Trends   []TrendPoint  `json:"trends"`
}

// Engine computes analytics from a Source.
type Engine struct {
	src Source
	loc *time.Location
	now func() time.Time
}

// NewEngine creates an engine bucketing days and hours in loc (nil = local).
func NewEngine(src Source, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.Local
	}
	return &Engine{src: src, loc: loc, now: time.Now}
}

func (e *Engine) history(ctx context.Context, userID string, days int) ([]data.EmotionRecord, error) {
	return e.src.EmotionHistory(ctx, userID, e.now().Add(-time.Duration(days)*24*time.Hour))
}

// Summary returns the emotion summary for the last days days.
func (e *Engine) Summary(ctx context.Context, userID string, days int) (Summary, error) {
	records, err := e.history(ctx, userID, days)
	if err != nil {
		return Summary{}, fmt.Errorf("emotion summary: %w", err)
	}
	return summarize(records, days), nil
}

func summarize(records []data.EmotionRecord, days int) Summary {
	if len(records) == 0 {
		return Summary{DominantEmotion: "neutral", Distribution: map[string]int{}, MoodScore: 50, PeriodDays: days}
	}

	counts, order := tally(records)
	var conf float64
	for _, r := range records {
		conf += r.Confidence
	}

	return Summary{
		TotalRecords:      len(records),
		DominantEmotion:   mostFrequent(counts, order),
		Distribution:      counts,
		AverageConfidence: conf / float64(len(records)),
		MoodScore:         moodScore(counts, len(records), summaryPositive, summaryNegative),
		PeriodDays:        days,
	}
}

// Calendar returns one entry per day with records, oldest first.
func (e *Engine) Calendar(ctx context.Context, userID string, days int) ([]CalendarDay, error) {
	records, err := e.history(ctx, userID, days)
	if err != nil {
		return nil, fmt.Errorf("mood calendar: %w", err)
	}

	groups := groupBy(records, func(r data.EmotionRecord) string {
		return r.CreatedAt.In(e.loc).Format("2006-01-02")
	})

	out := make([]CalendarDay, 0, len(groups))
	for _, g := range groups {
		counts, order := tally(g.records)
		out = append(out, CalendarDay{
			Date:            g.key,
			DominantEmotion: mostFrequent(counts, order),
			Intensity:       min(1.0, float64(len(g.records))/10),
			Count:           len(g.records),
			Emotions:        counts,
		})
	}
	return out, nil
}

// Trends returns hourly mood scores, oldest first.
func (e *Engine) Trends(ctx context.Context, userID string, days int) ([]TrendPoint, error) {
	records, err := e.history(ctx, userID, days)
	if err != nil {
		return nil, fmt.Errorf("emotion trends: %w", err)
	}

	groups := groupBy(records, func(r data.EmotionRecord) string {
		return r.CreatedAt.In(e.loc).Format("2006-01-02 15:00")
	})

	out := make([]TrendPoint, 0, len(groups))
	for _, g := range groups {
		counts, _ := tally(g.records)
		out = append(out, TrendPoint{
			Timestamp: g.key,
			MoodScore: moodScore(counts, len(g.records), trendPositive, trendNegative),
			Count:     len(g.records),
			Emotions:  counts,
		})
	}
	return out, nil
}

// Insights derives dashboard observations from the last week.
func (e *Engine) Insights(ctx context.Context, userID string) ([]Insight, error) {
	summary, err := e.Summary(ctx, userID, 7)
	if err != nil {
		return nil, err
	}
	conversations, err := e.src.CountTurns(ctx, userID, e.now().AddDate(0, 0, -7))
	if err != nil {
		return nil, fmt.Errorf("insights: %w", err)
	}
	return insights(summary, conversations), nil
}

func insights(s Summary, conversations int) []Insight {
	var out []Insight

	if s.TotalRecords > 0 {
		pct := s.Distribution[s.DominantEmotion] * 100 / s.TotalRecords
		out = append(out, Insight{
			Type:        "dominant_emotion",
			Title:       fmt.Sprintf("You're mostly %s this week", s.DominantEmotion),
			Description: fmt.Sprintf("%d%% of your emotions were %s", pct, s.DominantEmotion),
			Icon:        emoji(s.DominantEmotion),
			Severity:    "info",
		})
	}

	switch {
	case s.MoodScore >= 70:
		out = append(out, Insight{
			Type:        "positive_trend",
			Title:       "Great mood this week!",
			Description: fmt.Sprintf("Your mood score is %d/100. Keep it up!", s.MoodScore),
			Icon:        "😊",
			Severity:    "success",
		})
	case s.MoodScore <= 30:
		out = append(out, Insight{
			Type:        "low_mood",
			Title:       "Tough week detected",
			Description: fmt.Sprintf("Your mood score is %d/100. Want to talk about it?", s.MoodScore),
			Icon:        "💙",
			Severity:    "warning",
		})
	}

	if conversations > 20 {
		out = append(out, Insight{
			Type:        "engagement",
			Title:       "You're very engaged!",
			Description: fmt.Sprintf("%d conversations this week. Always happy to chat with you!", conversations),
			Icon:        "💬",
			Severity:    "info",
		})
	}

	if variety := len(s.Distribution); variety >= 5 {
		out = append(out, Insight{
			Type:        "emotional_range",
			Title:       "Wide emotional range",
			Description: fmt.Sprintf("You've experienced %d different emotions. That's healthy!", variety),
			Icon:        "🌈",
			Severity:    "info",
		})
	}
	return out
}

// Report computes every view in one call.
func (e *Engine) Report(ctx context.Context, userID string, days int) (*Report, error) {
	summary, err := e.Summary(ctx, userID, days)
	if err != nil {
		return nil, err
	}
	calendar, err := e.Calendar(ctx, userID, 30)
	if err != nil {
		return nil, err
	}
	ins, err := e.Insights(ctx, userID)
	if err != nil {
		return nil, err
	}
	trends, err := e.Trends(ctx, userID, days)
	if err != nil {
		return nil, err
	}
	return &Report{Summary: summary, Calendar: calendar, Insights: ins, Trends: trends}, nil
}

// moodScore maps the positive/negative balance onto 0..100 (50 is even).
func moodScore(counts map[string]int, total int, positive, negative []string) int {
	if total == 0 {
		return 50
	}
	var pos, neg int
	for _, e := range positive {
		pos += counts[e]
	}
	for _, e := range negative {
		neg += counts[e]
	}
	score := int((float64(pos-neg)/float64(total) + 1) * 50)
	return max(0, min(100, score))
}

// tally counts emotions and remembers first-seen order for tie breaks.
func tally(records []data.EmotionRecord) (map[string]int, []string) {
	counts := make(map[string]int)
	var order []string
	for _, r := range records {
		if _, ok := counts[r.Emotion]; !ok {
			order = append(order, r.Emotion)
		}
		counts[r.Emotion]++
	}
	return counts, order
}

func mostFrequent(counts map[string]int, order []string) string {
	best, bestN := "neutral", 0
	for _, e := range order {
		if counts[e] > bestN {
			best, bestN = e, counts[e]
		}
	}
	return best
}

type group struct {
	key     string
	records []data.EmotionRecord
}

func groupBy(records []data.EmotionRecord, key func(data.EmotionRecord) string) []group {
	idx := make(map[string]int)
	var groups []group
	for _, r := range records {
		k := key(r)
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, group{key: k})
		}
		groups[i].records = append(groups[i].records, r)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

func emoji(emotion string) string {
	switch emotion {
	case "happy":
		return "😊"
	case "sad":
		return "😢"
	case "angry":
		return "😠"
	case "fear":
		return "😨"
	case "surprise":
		return "😲"
	case "disgust":
		return "😖"
	case "calm":
		return "😌"
	default:
		return "😐"
	}
}
