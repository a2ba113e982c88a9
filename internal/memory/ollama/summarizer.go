// Package ollama provides an LLM-backed conversation summariser using a
// local Ollama server via the official client package.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Summarizer implements the memory.Summarizer interface at compile time.
var _ memory.Summarizer = (*Summarizer)(nil)

const systemPrompt = `You condense a live-stream conversation between a viewer
and a VTuber into a short memory note. Reply with at most three sentences
capturing topics, running jokes and the streamer's current mood. On the final
line write exactly "mood: <one word>".`

// Summarizer condenses conversation windows with a chat model hosted by a
// local Ollama server. It is safe for concurrent use.
type Summarizer struct {
	client *api.Client
	model  string
}

// Option is a functional option for Summarizer.
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets a per-request HTTP timeout. A zero or negative value means
// no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New constructs a Summarizer talking to the Ollama server at baseURL (empty
// means DefaultBaseURL) using the given chat model name.
func New(baseURL, model string, opts ...Option) (*Summarizer, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama summarizer: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ollama summarizer: parse base url: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	httpClient := &http.Client{}
	if o.timeout > 0 {
		httpClient.Timeout = o.timeout
	}

	return &Summarizer{
		client: api.NewClient(u, httpClient),
		model:  model,
	}, nil
}

// Summarize implements [memory.Summarizer]. It sends the window as a chat
// transcript and parses the trailing "mood: <word>" line; when the model
// omits it the mood defaults to neutral.
func (s *Summarizer) Summarize(ctx context.Context, turns []memory.Turn) (memory.Summary, error) {
	var transcript strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", t.Role, strings.TrimSpace(t.Text))
	}

	stream := false
	req := &api.ChatRequest{
		Model: s.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: transcript.String()},
		},
		Stream: &stream,
	}

	var reply strings.Builder
	err := s.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return memory.Summary{}, fmt.Errorf("ollama summarizer: chat: %w", err)
	}

	text, mood := splitMood(reply.String())
	if text == "" {
		return memory.Summary{}, fmt.Errorf("ollama summarizer: empty reply from model %q", s.model)
	}

	return memory.Summary{
		TS:          time.Now().Unix(),
		SummaryText: text,
		MoodState:   mood,
		Metadata:    map[string]string{"summarizer": "ollama", "model": s.model},
	}, nil
}

// splitMood separates the summary body from a trailing "mood: <word>" line.
func splitMood(reply string) (text, mood string) {
	mood = "neutral"
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	last := len(lines) - 1
	if last >= 0 {
		if rest, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(lines[last])), "mood:"); ok {
			if m := strings.TrimSpace(rest); m != "" {
				mood = strings.Fields(m)[0]
			}
			lines = lines[:last]
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), mood
}
