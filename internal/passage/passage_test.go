package passage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeCollapsesSpacesOutsideFences(t *testing.T) {
	in := "a   b\t\tc  \n```\nx    y\n```\nd   e"
	out := Normalize(in)
	require.Equal(t, "a b c\n```\nx    y\n```\nd e", out)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	in := "# Title\n\nsome   text\n\n~~~go\ncode   here\n~~~\n"
	once := Normalize(in)
	require.Equal(t, once, Normalize(once))
}

func TestNormalizeAppliesNFC(t *testing.T) {
	// e + combining acute composes to é.
	in := "café"
	require.Equal(t, "café", Normalize(in))
}

func TestTokenizeOffsetsAddressSource(t *testing.T) {
	text := "alpha beta-gamma don't"
	tokens := Tokenize(text, ModeChunk)
	require.Len(t, tokens, 3)
	for _, tok := range tokens {
		require.Equal(t, tok.Text, text[tok.Start:tok.End])
	}
	require.Equal(t, "beta-gamma", tokens[1].Text)
	require.Equal(t, "don't", tokens[2].Text)
}

func TestTokenizeModes(t *testing.T) {
	text := "use `topic` and **bold** words"
	chunk := Tokenize(text, ModeChunk)
	retr := Tokenize(text, ModeRetrieval)

	var chunkTexts, retrTexts []string
	for _, tok := range chunk {
		chunkTexts = append(chunkTexts, tok.Text)
	}
	for _, tok := range retr {
		retrTexts = append(retrTexts, tok.Text)
	}
	require.Equal(t, []string{"use", "`topic`", "and", "**bold**", "words"}, chunkTexts)
	require.Equal(t, []string{"use", "topic", "and", "bold", "words"}, retrTexts)
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "leader-election", Slugify("Leader Election"))
	require.Equal(t, "what-s-new-in-2-0", Slugify("What's New in 2.0?"))
	require.Equal(t, "", Slugify("!!!"))
}

func TestChunkSectionsAndOverlap(t *testing.T) {
	e, err := NewEngine(Options{MaxTokensPerChunk: 10, OverlapTokens: 4})
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString("# Intro\n\n")
	for i := 0; i < 25; i++ {
		b.WriteString("intro ")
	}
	b.WriteString("\n\n## Details\n\n")
	for i := 0; i < 8; i++ {
		b.WriteString("detail ")
	}

	chunks, err := e.Chunk(b.String())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var intro, details []Chunk
	for _, c := range chunks {
		switch c.StructurePath {
		case "intro":
			intro = append(intro, c)
		case "intro/details":
			details = append(details, c)
		default:
			t.Fatalf("unexpected structure path %q", c.StructurePath)
		}
	}
	require.Len(t, details, 1)
	require.Greater(t, len(intro), 1)

	// Consecutive chunks in a section step by max-overlap tokens.
	for i := 1; i < len(intro); i++ {
		require.Equal(t, 6, intro[i].TokenOffset-intro[i-1].TokenOffset)
	}
	for _, c := range chunks {
		require.LessOrEqual(t, c.TokenLength, 10)
		require.NotEmpty(t, c.Anchor.Fingerprint)
		require.Equal(t, c.StructurePath, c.Anchor.StructurePath)
		require.Equal(t, TokenizationVersion, c.Anchor.TokenizationVersion)
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	content := "# A\n\nsome text here\n\n## B\n\nmore text follows\n"

	first, err := e.Chunk(content)
	require.NoError(t, err)
	second, err := e.Chunk(content)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestChunkEmptyContent(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	chunks, err := e.Chunk("   \n\n  ")
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestResolveExactMatch(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	content := "# Raft\n\nleaders replicate entries to followers\n"
	chunks, err := e.Chunk(content)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	res := e.Resolve(chunks[0].Anchor, content)
	require.Equal(t, StatusResolved, res.Status)
	require.NotNil(t, res.Span)
	require.Equal(t, chunks[0].TokenOffset, res.Span.TokenOffset)
}

func TestResolveSurvivesInsertionBeforeSection(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	original := "# Raft\n\nleaders replicate entries to followers\n"
	chunks, err := e.Chunk(original)
	require.NoError(t, err)

	// New preamble shifts all token offsets, same section survives.
	edited := "intro words added up front\n\n" + original
	res := e.Resolve(chunks[0].Anchor, edited)
	require.Equal(t, StatusResolved, res.Status)
	require.Greater(t, res.Span.TokenOffset, chunks[0].TokenOffset)
}

func TestResolveDriftsOnSectionRename(t *testing.T) {
	e, err := NewEngine(Options{MaxTokensPerChunk: 10, OverlapTokens: 0})
	require.NoError(t, err)
	body := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu nu xi"
	original := "# Raft\n\n" + body + "\n"
	chunks, err := e.Chunk(original)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// The second chunk does not cover the heading token, so only its
	// section path changes under a rename.
	a := chunks[1].Anchor
	renamed := "# Consensus\n\n" + body + "\n"
	res := e.Resolve(a, renamed)
	require.Equal(t, StatusDrifted, res.Status)
	require.NotNil(t, res.Span)
	require.Equal(t, DriftRenamedSection, e.ClassifyDrift(a, renamed))
}

func TestResolveUnresolvedWhenContentGone(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	original := "# Raft\n\nleaders replicate entries to followers\n"
	chunks, err := e.Chunk(original)
	require.NoError(t, err)

	res := e.Resolve(chunks[0].Anchor, "# Other\n\ncompletely different words now\n")
	require.Equal(t, StatusUnresolved, res.Status)
	require.Equal(t, DriftRemoved, e.ClassifyDrift(chunks[0].Anchor, "# Other\n\ncompletely different words now\n"))
}

func TestClassifyDriftContentEdited(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	original := "# Raft\n\nleaders replicate entries to followers\n"
	chunks, err := e.Chunk(original)
	require.NoError(t, err)

	edited := "# Raft\n\nsomething entirely rewritten here instead\n"
	require.Equal(t, DriftContentEdited, e.ClassifyDrift(chunks[0].Anchor, edited))
}

func TestResolveRemintsOldTokenizationVersion(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	content := "# Raft\n\nleaders replicate entries to followers\n"
	chunks, err := e.Chunk(content)
	require.NoError(t, err)

	old := chunks[0].Anchor
	old.TokenizationVersion = TokenizationVersion - 1
	res := e.Resolve(old, content)
	require.Equal(t, StatusDrifted, res.Status)
	require.Equal(t, TokenizationVersion, res.Anchor.TokenizationVersion)
	require.NotEmpty(t, res.Anchor.Fingerprint)
}

func TestMintBounds(t *testing.T) {
	e, err := NewEngine(DefaultOptions())
	require.NoError(t, err)
	content := "five words are right here"

	a, ok := e.Mint(content, "", 0, 5)
	require.True(t, ok)
	require.Equal(t, 5, a.TokenLength)

	_, ok = e.Mint(content, "", 3, 5)
	require.False(t, ok)
	_, ok = e.Mint(content, "", -1, 2)
	require.False(t, ok)
}

func TestOptionsValidate(t *testing.T) {
	require.Error(t, Options{MaxTokensPerChunk: 5, OverlapTokens: 0}.Validate())
	require.Error(t, Options{MaxTokensPerChunk: 100, OverlapTokens: 100}.Validate())
	require.NoError(t, Options{MaxTokensPerChunk: 100, OverlapTokens: 0}.Validate())
}
