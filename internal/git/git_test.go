package git

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSymref(t *testing.T) {
	t.Parallel()

	out := "ref: refs/heads/trunk\tHEAD\n3f2a1b\tHEAD\n"
	branch, ok := ParseSymref(out)
	assert.True(t, ok)
	assert.Equal(t, "trunk", branch)

	_, ok = ParseSymref("3f2a1b\tHEAD")
	assert.False(t, ok)
}

func TestRepoName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"git@github.com:acme/app.git":    "app",
		"https://github.com/acme/app":    "app",
		"https://github.com/acme/app/":   "app",
		"ssh://git@host:22/team/svc.git": "svc",
	}
	for in, want := range cases {
		assert.Equal(t, want, RepoName(in), in)
	}
}

func TestStoryBranch(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "deckhand/1234abcd-export-invoices-as-pdf", StoryBranch("1234abcd-ffff", "Export invoices as PDF!"))
	assert.Equal(t, "deckhand/s1", StoryBranch("s1", "***"))
	assert.LessOrEqual(t, len(StoryBranch("s1", "a very long story title that keeps going and going forever")), len("deckhand/s1-")+40)
}
