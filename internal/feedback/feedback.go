// Package feedback rewrites a learner's essay with an LLM so that it uses a
// fixed vocabulary list, regenerating while required words are missing.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultWords is the vocabulary every revision must contain.
var DefaultWords = []string{
	"ripe", "harvest", "sack", "weigh", "load",
	"transport", "roast", "shell", "stir", "pulverize", "mold",
}

const (
	defaultMaxAttempts = 3
	maxContextRunes    = 8000
)

// ErrEmptyText rejects a request without an essay.
var ErrEmptyText = errors.New("feedback: text required")

// Image is one task page sent alongside the essay.
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Prompt is a single generation request.
type Prompt struct {
	System []string
	Text   string
	Images []Image
}

// Generator produces one revision for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Result is the final revision and the words it still lacks.
type Result struct {
	Result   string   `json:"result"`
	Missing  []string `json:"missing"`
	Attempts int      `json:"-"`
}

// Logger is the subset of core.Logger the reviser uses.
type Logger interface {
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

// Options configures a Reviser.
type Options struct {
	Words           []string
	MaxAttempts     int
	Timeout         time.Duration
	TaskContextPath string
	TaskPagesDir    string
	Logger          Logger
}

// Reviser drives the regenerate-until-complete loop.
type Reviser struct {
	gen  Generator
	opts Options

	loadOnce sync.Once
	context  string
	pages    []Image
}

// NewReviser wraps gen. Zero options fall back to DefaultWords and three
// attempts.
func NewReviser(gen Generator, opts Options) *Reviser {
	if len(opts.Words) == 0 {
		opts.Words = DefaultWords
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	return &Reviser{gen: gen, opts: opts}
}

// Words returns the required vocabulary.
func (r *Reviser) Words() []string { return append([]string(nil), r.opts.Words...) }

// Revise asks the generator for a revision of text, retrying while words are
// missing. The last revision is returned even if it is still incomplete.
func (r *Reviser) Revise(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	r.loadOnce.Do(r.loadTaskMaterial)

	prompt := Prompt{System: r.systemPrompts(), Text: text, Images: r.pages}
	var res Result
	for res.Attempts < r.opts.MaxAttempts {
		res.Attempts++
		out, err := r.gen.Generate(ctx, prompt)
		if err != nil {
			return Result{}, fmt.Errorf("generate revision (attempt %d): %w", res.Attempts, err)
		}
		res.Result = out
		res.Missing = MissingWords(out, r.opts.Words)
		if len(res.Missing) == 0 {
			break
		}
		r.opts.Logger.Warn("revision missing words", "attempt", res.Attempts, "missing", strings.Join(res.Missing, ","))
	}
	r.opts.Logger.Info("revision generated", "attempts", res.Attempts, "missing", len(res.Missing))
	return res, nil
}

func (r *Reviser) loadTaskMaterial() {
	if text, err := LoadTaskContext(r.opts.TaskContextPath); err != nil {
		r.opts.Logger.Warn("task context unavailable", "path", r.opts.TaskContextPath, "error", err)
	} else {
		r.context = text
	}
	if pages, err := LoadTaskPages(r.opts.TaskPagesDir, 0); err != nil {
		r.opts.Logger.Warn("task pages unavailable", "dir", r.opts.TaskPagesDir, "error", err)
	} else {
		r.pages = pages
	}
}

func (r *Reviser) systemPrompts() []string {
	base := `This is an essay written by an English as a foreign language (EFL) learner.
The learner wrote it based on the 15 steps to make chocolate shown in the provided pictures.

Rewrite the essay into an improved version. Present only the improved essay without explanations.

You must use each word from the word list exactly once in the improved essay.
Do not skip or omit any word. Even if the learner's essay does not mention a process,
add a sentence that describes it using the appropriate word.

Follow the sequence of steps shown in the provided images.
Each word must be placed in the step where it belongs in the chocolate-making process.

After rewriting, double-check that all words in the word list are included exactly once.

Word list: ` + strings.Join(r.opts.Words, ", ")
	out := []string{base}
	if r.context != "" {
		out = append(out, "The following text contains the instructions. "+
			"Use these instructions together with the provided images to fully understand the writing task.\n\n"+r.context)
	}
	return out
}

// MissingWords returns the words of list that do not occur in text,
// compared case-insensitively as substrings.
func MissingWords(text string, list []string) []string {
	lower := strings.ToLower(text)
	missing := []string{}
	for _, w := range list {
		if !strings.Contains(lower, strings.ToLower(w)) {
			missing = append(missing, w)
		}
	}
	return missing
}
