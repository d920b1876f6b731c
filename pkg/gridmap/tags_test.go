package gridmap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridmap/gridmap/pkg/sched"
)

func TestValidateTag(t *testing.T) {
	valid := []string{
		"simulation",
		"run-2024.08",
		"tmp-deadbeef",
		"under_scores",
		strings.Repeat("x", maxTagLength),
	}
	for _, tag := range valid {
		require.NoError(t, validateTag(tag), "tag %q", tag)
	}

	invalid := map[string]string{
		"":                                  "empty",
		strings.Repeat("x", maxTagLength+1): "too long",
		".hidden":                           "leading dot",
		"a/b":                               "path separator",
		`a\b`:                               "backslash",
		"a:b":                               "colon",
		"a*b":                               "glob star",
		"a?b":                               "glob question mark",
		"two words":                         "space",
		"tab\there":                         "tab",
		"ding\x07":                          "control character",
	}
	for tag, label := range invalid {
		err := validateTag(tag)
		var invalidErr *InvalidTagError
		require.ErrorAs(t, err, &invalidErr, "tag with %s", label)
		require.Equal(t, tag, invalidErr.Tag)
	}
}

func TestGenerateTagIsTransientAndValid(t *testing.T) {
	seen := map[string]bool{}
	for range 32 {
		tag := generateTag()
		require.True(t, strings.HasPrefix(tag, transientPrefix))
		require.NoError(t, validateTag(tag))
		require.False(t, seen[tag], "generated tags must not collide")
		seen[tag] = true
	}
}

func TestBuildSubmissionDeterministic(t *testing.T) {
	c, _ := newTestClient(t)
	md, err := c.store.Create("deterministic")
	require.NoError(t, err)

	opts := &MapOptions{
		Custom:             map[string]string{"nice_user": "true", "priority": "5"},
		CustomPerComponent: map[string][]string{"zone": {"a", "b"}, "rack": {"1", "2"}},
	}
	desc1, items1, err := buildSubmission(md, c.settings, opts, 2)
	require.NoError(t, err)
	desc2, items2, err := buildSubmission(md, c.settings, opts, 2)
	require.NoError(t, err)
	require.Equal(t, desc1, desc2)
	require.Equal(t, items1, items2)

	require.Equal(t, "deterministic", desc1["batch_name"])
	require.Equal(t, sched.Macro("itemdata_for_zone"), desc1["zone"])
	require.Equal(t, "a", items1[0]["itemdata_for_zone"])
	require.Equal(t, "2", items1[1]["itemdata_for_rack"])
}
