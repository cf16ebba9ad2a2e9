package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	reply    string
	err      error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(f.reply, genai.RoleModel)}},
	}, nil
}

func TestGeminiGeneratorBuildsRequest(t *testing.T) {
	fake := &fakeModels{reply: "  improved essay \n"}
	gen := newGeminiGenerator(fake, "")
	require.Equal(t, DefaultModel, gen.Model())

	out, err := gen.Generate(context.Background(), Prompt{
		System: []string{"rules", "context"},
		Text:   "essay",
		Images: []Image{{MIMEType: "image/png", Data: []byte{1, 2}}},
	})
	require.NoError(t, err)
	require.Equal(t, "improved essay", out)
	require.Equal(t, DefaultModel, fake.model)
	require.Len(t, fake.contents, 1)
	parts := fake.contents[0].Parts
	require.Len(t, parts, 2)
	require.Equal(t, "essay", parts[0].Text)
	require.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	require.Len(t, fake.config.SystemInstruction.Parts, 2)
	require.InDelta(t, 0.3, *fake.config.Temperature, 1e-6)
}

func TestGeminiGeneratorErrors(t *testing.T) {
	boom := errors.New("unavailable")
	_, err := newGeminiGenerator(&fakeModels{err: boom}, "m").Generate(context.Background(), Prompt{Text: "x"})
	require.ErrorIs(t, err, boom)

	_, err = newGeminiGenerator(&fakeModels{reply: "  "}, "m").Generate(context.Background(), Prompt{Text: "x"})
	require.Error(t, err)
}

func TestNewGeminiGeneratorRequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), " ", "")
	require.ErrorIs(t, err, ErrNotConfigured)
}
