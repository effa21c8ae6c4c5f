package domain

import "errors"

// ErrRoundConflict is returned by a session store when a round already
// exists at the index being written.
var ErrRoundConflict = errors.New("session round already exists")

// Session is the question/answer history of one interactive session.
//
// Questions and Answers are parallel: index i of both refers to the same round.
// Sources holds the passages used for each round and is never part of the
// rendered transcript.
type Session struct {
	ID        string
	Questions []string
	Answers   []string
	Sources   [][]Passage
}

// Round is a single question/answer pair of a session.
type Round struct {
	Index    int
	Question string
	Answer   string
}

// NewSession returns an empty session.
func NewSession(id string) Session {
	return Session{ID: id}
}

// Len returns the number of completed rounds.
func (s Session) Len() int {
	return len(s.Answers)
}

// Append adds a completed round at the tail and returns its index.
func (s *Session) Append(question, answer string, passages []Passage) int {
	idx := len(s.Answers)
	s.Questions = append(s.Questions, question)
	s.Answers = append(s.Answers, answer)
	s.Sources = append(s.Sources, passages)
	return idx
}

// Round returns round i.
func (s Session) Round(i int) (Round, bool) {
	if i < 0 || i >= len(s.Answers) || i >= len(s.Questions) {
		return Round{}, false
	}
	return Round{Index: i, Question: s.Questions[i], Answer: s.Answers[i]}, true
}

// PassagesFor returns the passages that supported round i.
func (s Session) PassagesFor(i int) ([]Passage, bool) {
	if i < 0 || i >= len(s.Sources) {
		return nil, false
	}
	return s.Sources[i], true
}

// Transcript returns all rounds, most recent first.
func (s Session) Transcript() []Round {
	n := s.Len()
	out := make([]Round, 0, n)
	for i := n - 1; i >= 0; i-- {
		r, ok := s.Round(i)
		if !ok {
			continue
		}
		out = append(out, r)
	}
	return out
}
