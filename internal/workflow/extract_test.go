package workflow

import (
	"testing"

	"github.com/metalagman/deckhand/internal/backlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBlock_TakesLastFencedBlock(t *testing.T) {
	t.Parallel()

	content := "First draft:\n```json\n{\"a\": 1}\n```\nRevised:\n```yaml\nb: 2\n```\nDone."
	lang, body, ok := ExtractBlock(content)
	require.True(t, ok)
	assert.Equal(t, "yaml", lang)
	assert.Equal(t, "b: 2", body)
}

func TestHasStructuredBlock(t *testing.T) {
	t.Parallel()

	assert.False(t, HasStructuredBlock("I am still thinking about it"))
	assert.False(t, HasStructuredBlock("```go\nfunc main() {}\n```"))
	assert.False(t, HasStructuredBlock("```json\n\n```"))
	assert.True(t, HasStructuredBlock("```yml\nepics: []\n```"))
}

func TestGenerateBacklogParse(t *testing.T) {
	t.Parallel()

	f := &GenerateBacklog{}
	raw := "Here you go:\n```yaml\nepics:\n  - title: Billing\n    features:\n      - title: Invoices\n        stories:\n          - title: Export PDF\n            description: Render invoices\n```\n"
	parsed, err := f.Parse(raw)
	require.NoError(t, err)
	epics := parsed.([]backlog.EpicDraft)
	require.Len(t, epics, 1)
	require.Len(t, epics[0].Features, 1)
	assert.Equal(t, "Render invoices", epics[0].Features[0].Stories[0].Description)
}

func TestGenerateBacklogParse_BareListAndJSON(t *testing.T) {
	t.Parallel()

	f := &GenerateBacklog{}
	parsed, err := f.Parse("```json\n[{\"title\": \"Search\", \"features\": []}]\n```")
	require.NoError(t, err)
	assert.Equal(t, "Search", parsed.([]backlog.EpicDraft)[0].Title)
}

func TestGenerateBacklogParse_ErrorsKeepRaw(t *testing.T) {
	t.Parallel()

	f := &GenerateBacklog{}
	for name, raw := range map[string]string{
		"no block":      "no structure here",
		"malformed":     "```yaml\nepics: [\n```",
		"empty":         "```yaml\nepics: []\n```",
		"missing title": "```yaml\nepics:\n  - description: nameless\n```",
	} {
		_, err := f.Parse(raw)
		var pe *ParseError
		require.ErrorAs(t, err, &pe, name)
		assert.Equal(t, raw, pe.Raw, name)
	}
}

func TestAnalyzeParse(t *testing.T) {
	t.Parallel()

	f := &Analyze{File: true}
	parsed, err := f.Parse("```json\n{\"summary\": \"Small CLI\", \"findings\": [{\"severity\": \"high\", \"title\": \"Unchecked error\", \"path\": \"main.go\", \"line\": 12}]}\n```")
	require.NoError(t, err)
	doc := parsed.(analysisDoc)
	assert.Equal(t, "Small CLI", doc.Summary)
	require.Len(t, doc.Findings, 1)
	assert.Equal(t, 12, doc.Findings[0].Line)

	_, err = f.Parse("```json\n{\"findings\": []}\n```")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestPrompts(t *testing.T) {
	t.Parallel()

	story := StoryTarget("acme/app", "https://github.com/acme/app", "app", "main", "s-1", "Export PDF", "Render invoices as PDF")
	p, err := (&ImplementStory{}).Prompt(story)
	require.NoError(t, err)
	assert.Contains(t, p, "Export PDF")
	assert.Contains(t, p, "Render invoices as PDF")
	assert.Contains(t, p, "branch main")

	_, err = (&ImplementStory{}).Prompt(RepositoryTarget("acme/app", "", "app", ""))
	require.Error(t, err)

	file := FileTarget("acme/app", "", "app", "", "cmd/main.go")
	p, err = (&Analyze{File: true}).Prompt(file)
	require.NoError(t, err)
	assert.Contains(t, p, "cmd/main.go")
	assert.Equal(t, "file:acme/app:cmd/main.go", file.Key)
}
