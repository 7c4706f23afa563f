package uri

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	u, err := Parse("viking://resources/docs/guide")
	require.NoError(t, err)
	assert.Equal(t, ScopeResources, u.Scope())
	assert.Equal(t, "docs/guide", u.Path())
	assert.Equal(t, "guide", u.Name())
	assert.Equal(t, "viking://resources/docs/guide", u.String())
}

func TestParseNormalizes(t *testing.T) {
	u, err := Parse("viking://resources//docs///guide/")
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/docs/guide", u.String())
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"http://resources/x",
		"viking://",
		"viking://bogus/x",
		"viking://resources/../etc",
		"viking://resources/./x",
	}
	for _, raw := range cases {
		_, err := Parse(raw)
		assert.Error(t, err, "input %q", raw)
	}
}

func TestEquality(t *testing.T) {
	a := MustParse("viking://user/memories/profile")
	b := MustParse("viking://user/memories/profile/")
	assert.True(t, a.Equal(b))
}

func TestParent(t *testing.T) {
	u := MustParse("viking://resources/a/b/c")
	parent, ok := u.Parent()
	require.True(t, ok)
	assert.Equal(t, "viking://resources/a/b", parent.String())

	root := Root(ScopeResources)
	_, ok = root.Parent()
	assert.False(t, ok)
}

func TestHasPrefixAndRebase(t *testing.T) {
	base := MustParse("viking://temp/stage_1")
	u := base.Join("sub", "leaf")
	assert.True(t, u.HasPrefix(base))
	assert.False(t, base.HasPrefix(u))

	dest := MustParse("viking://resources/doc")
	rebased, err := u.Rebase(base, dest)
	require.NoError(t, err)
	assert.Equal(t, "viking://resources/doc/sub/leaf", rebased.String())

	_, err = dest.Rebase(base, dest)
	assert.Error(t, err)
}

func TestContextType(t *testing.T) {
	assert.Equal(t, TypeSkill, MustParse("viking://agent/skills/deploy").ContextType())
	assert.Equal(t, TypeMemory, MustParse("viking://user/memories/profile/x").ContextType())
	assert.Equal(t, TypeMemory, MustParse("viking://agent/memories/patterns/y").ContextType())
	assert.Equal(t, TypeResource, MustParse("viking://resources/docs").ContextType())
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "patterns", MustParse("viking://agent/memories/patterns/x").Category())
	assert.Equal(t, "profile", MustParse("viking://user/memories/profile/y").Category())
	assert.Equal(t, "", MustParse("viking://resources/docs").Category())
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Simple Doc":       "Simple_Doc",
		"a//b??c":          "a_b_c",
		"___trimmed___":    "trimmed",
		"":                 "unnamed",
		"!!!":              "unnamed",
		"中文文档":             "中文文档",
		"mixed 中文 name":    "mixed_中文_name",
		"dash-is-kept-ok!": "dash-is-kept-ok",
	}
	for input, want := range cases {
		assert.Equal(t, want, SanitizeName(input), "input %q", input)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"README.md":     "README.md",
		"my doc.md":     "my_doc.md",
		".hidden":       "hidden",
		"..":            "unnamed",
		"weird??.tar":   "weird_.tar",
		"SKILL.md":      "SKILL.md",
	}
	for input, want := range cases {
		assert.Equal(t, want, SanitizeFileName(input), "input %q", input)
	}
}

func TestSanitizeNameTruncates(t *testing.T) {
	long := strings.Repeat("a", 80)
	got := SanitizeName(long)
	assert.Len(t, got, 50)
}
