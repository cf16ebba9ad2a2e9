package feedback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	outputs []string
	err     error
	prompts []Prompt
}

func (s *scriptedGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return "", s.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := s.outputs[0]
	if len(s.outputs) > 1 {
		s.outputs = s.outputs[1:]
	}
	return out, nil
}

const complete = "Ripe pods at harvest go in a sack; we weigh, load and transport them, roast, shell, stir, pulverize and mold."

func TestMissingWordsIsCaseInsensitive(t *testing.T) {
	require.Empty(t, MissingWords(complete, DefaultWords))
	require.Equal(t, []string{"roast", "mold"}, MissingWords("RIPE harvest", []string{"ripe", "roast", "Harvest", "mold"}))
	require.NotNil(t, MissingWords(complete, nil))
}

func TestReviseStopsOnceAllWordsPresent(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"ripe only", complete}}
	res, err := NewReviser(gen, Options{}).Revise(context.Background(), "my essay")
	require.NoError(t, err)
	require.Equal(t, complete, res.Result)
	require.Empty(t, res.Missing)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, "my essay", gen.prompts[0].Text)
	require.Contains(t, gen.prompts[0].System[0], "Word list: ripe, harvest")
}

func TestReviseReturnsLastAttemptWhenStillMissing(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{"nothing useful"}}
	res, err := NewReviser(gen, Options{Words: []string{"roast"}}).Revise(context.Background(), "essay")
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, []string{"roast"}, res.Missing)
	require.Len(t, gen.prompts, 3)
}

func TestReviseRejectsEmptyText(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{complete}}
	_, err := NewReviser(gen, Options{}).Revise(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyText)
	require.Empty(t, gen.prompts)
}

func TestRevisePropagatesGeneratorErrors(t *testing.T) {
	boom := errors.New("quota")
	_, err := NewReviser(&scriptedGenerator{err: boom}, Options{}).Revise(context.Background(), "essay")
	require.ErrorIs(t, err, boom)
}

func TestReviseAppliesTimeout(t *testing.T) {
	gen := &scriptedGenerator{outputs: []string{complete}}
	r := NewReviser(gen, Options{Timeout: time.Nanosecond})
	time.Sleep(time.Millisecond)
	_, err := r.Revise(context.Background(), "essay")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReviseIncludesTaskMaterial(t *testing.T) {
	dir := t.TempDir()
	ctxPath := filepath.Join(dir, "task-context.txt")
	require.NoError(t, os.WriteFile(ctxPath, []byte("  Describe each step.  "), 0o600))
	pages := filepath.Join(dir, "pages")
	require.NoError(t, os.Mkdir(pages, 0o755))
	for _, name := range []string{"page10.png", "page2.jpg", "notes.txt", "page1.JPEG"} {
		require.NoError(t, os.WriteFile(filepath.Join(pages, name), []byte(name), 0o600))
	}

	gen := &scriptedGenerator{outputs: []string{complete}}
	_, err := NewReviser(gen, Options{TaskContextPath: ctxPath, TaskPagesDir: pages}).Revise(context.Background(), "essay")
	require.NoError(t, err)
	p := gen.prompts[0]
	require.Len(t, p.System, 2)
	require.True(t, strings.HasSuffix(p.System[1], "Describe each step."))
	require.Len(t, p.Images, 3)
	require.Equal(t, "page1.JPEG", p.Images[0].Name)
	require.Equal(t, "image/jpeg", p.Images[0].MIMEType)
	require.Equal(t, "page10.png", p.Images[2].Name)
}

func TestLoadTaskContext(t *testing.T) {
	text, err := LoadTaskContext("")
	require.NoError(t, err)
	require.Empty(t, text)

	text, err = LoadTaskContext(filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, err)
	require.Empty(t, text)

	_, err = LoadTaskContext("task.pdf")
	require.Error(t, err)

	long := filepath.Join(t.TempDir(), "long.txt")
	require.NoError(t, os.WriteFile(long, []byte(strings.Repeat("é", maxContextRunes+10)), 0o600))
	text, err = LoadTaskContext(long)
	require.NoError(t, err)
	require.Equal(t, maxContextRunes, len([]rune(text)))
}

func TestLoadTaskPagesLimitsAndMissingDir(t *testing.T) {
	pages, err := LoadTaskPages(filepath.Join(t.TempDir(), "absent"), 0)
	require.NoError(t, err)
	require.Empty(t, pages)

	dir := t.TempDir()
	for _, name := range []string{"3.png", "1.png", "2.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}
	pages, err = LoadTaskPages(dir, 2)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "1.png", pages[0].Name)
	require.Equal(t, "2.png", pages[1].Name)
}
