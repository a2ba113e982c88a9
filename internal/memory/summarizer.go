package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// maxHeuristicChars caps the length of a heuristic summary.
const maxHeuristicChars = 600

// HeuristicSummarizer condenses the buffer without a model call: it keeps the
// tail of the conversation verbatim and derives a coarse mood from simple
// punctuation cues. It is the default so the pipeline keeps working when no
// summariser model is configured.
type HeuristicSummarizer struct{}

// Summarize implements [Summarizer].
func (HeuristicSummarizer) Summarize(_ context.Context, turns []Turn) (Summary, error) {
	if len(turns) == 0 {
		return Summary{TS: time.Now().Unix(), SummaryText: "", MoodState: "neutral"}, nil
	}

	var sb strings.Builder
	for _, t := range turns {
		line := fmt.Sprintf("%s: %s\n", t.Role, strings.TrimSpace(t.Text))
		if sb.Len()+len(line) > maxHeuristicChars {
			break
		}
		sb.WriteString(line)
	}

	return Summary{
		TS:          time.Now().Unix(),
		SummaryText: strings.TrimSpace(sb.String()),
		MoodState:   moodOf(turns),
		Metadata:    map[string]string{"summarizer": "heuristic", "turns": fmt.Sprint(len(turns))},
	}, nil
}

// moodOf derives a coarse mood label from the assistant's recent turns.
func moodOf(turns []Turn) string {
	exclaim, question := 0, 0
	for _, t := range turns {
		if t.Role != RoleAssistant {
			continue
		}
		exclaim += strings.Count(t.Text, "!")
		question += strings.Count(t.Text, "?")
	}
	switch {
	case exclaim >= 3:
		return "excited"
	case question >= 3:
		return "curious"
	default:
		return "neutral"
	}
}
