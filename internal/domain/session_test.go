package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSession_AppendKeepsSequencesParallel(t *testing.T) {
	s := NewSession("s-1")
	require.Equal(t, 0, s.Len())

	idx := s.Append("Siapa yang termasuk sebagai anak?", "Anak adalah ...", nil)
	require.Equal(t, 0, idx)
	idx = s.Append("Apa itu PHK?", "PHK adalah ...", []Passage{{Text: "Pasal 1"}})
	require.Equal(t, 1, idx)

	require.Len(t, s.Questions, 2)
	require.Len(t, s.Answers, 2)
	require.Len(t, s.Sources, 2)
	require.Equal(t, "Apa itu PHK?", s.Questions[1])
	require.Equal(t, "PHK adalah ...", s.Answers[1])
}

func TestSession_DuplicateQuestionsAreNotMerged(t *testing.T) {
	s := NewSession("s-1")
	s.Append("Apa itu upah?", "jawaban 1", nil)
	s.Append("Apa itu upah?", "jawaban 2", nil)
	require.Equal(t, 2, s.Len())
	require.Equal(t, []string{"jawaban 1", "jawaban 2"}, s.Answers)
}

func TestSession_TranscriptIsReverseChronological(t *testing.T) {
	s := NewSession("s-1")
	s.Append("q0", "a0", nil)
	s.Append("q1", "a1", nil)
	s.Append("q2", "a2", nil)

	rounds := s.Transcript()
	require.Len(t, rounds, 3)
	require.Equal(t, 2, rounds[0].Index)
	require.Equal(t, "a2", rounds[0].Answer)
	require.Equal(t, 0, rounds[2].Index)
	require.Equal(t, "q0", rounds[2].Question)
}

func TestSession_TranscriptEmpty(t *testing.T) {
	require.Empty(t, NewSession("s").Transcript())
}

func TestSession_RoundBounds(t *testing.T) {
	s := NewSession("s-1")
	s.Append("q0", "a0", []Passage{{Text: "p"}})

	_, ok := s.Round(-1)
	require.False(t, ok)
	_, ok = s.Round(1)
	require.False(t, ok)

	ps, ok := s.PassagesFor(0)
	require.True(t, ok)
	require.Equal(t, "p", ps[0].Text)
	_, ok = s.PassagesFor(3)
	require.False(t, ok)
}

func TestPassage_String(t *testing.T) {
	p := Passage{
		Text:     "Anak adalah setiap orang yang berumur dibawah 18 tahun.",
		Source:   "uu_13_2003.pdf",
		Metadata: map[string]string{"page": "1"},
	}
	require.Equal(t,
		"page_content='Anak adalah setiap orang yang berumur dibawah 18 tahun.' metadata={'page': '1', 'source': 'uu_13_2003.pdf'}",
		p.String())
}
