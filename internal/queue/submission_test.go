package queue

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type SubmissionTestSuite struct {
	suite.Suite
}

func TestSubmissionTestSuite(t *testing.T) {
	suite.Run(t, new(SubmissionTestSuite))
}

func (ts *SubmissionTestSuite) TestOfferPollFIFO() {
	s := NewSubmission[int]()
	ts.True(s.Offer(1))
	ts.True(s.Offer(2))

	v, ok := s.Poll()
	ts.True(ok)
	ts.Equal(1, v)
	ts.Equal(1, s.Len())
}

func (ts *SubmissionTestSuite) TestPollEmpty() {
	s := NewSubmission[int]()
	_, ok := s.Poll()
	ts.False(ok)
}

func (ts *SubmissionTestSuite) TestCloseRejectsOfferButKeepsQueued() {
	s := NewSubmission[int]()
	s.Offer(1)
	s.Close()

	ts.False(s.Offer(2))
	v, ok := s.Poll()
	ts.True(ok)
	ts.Equal(1, v)
}

func (ts *SubmissionTestSuite) TestDrain() {
	s := NewSubmission[int]()
	s.Offer(1)
	s.Offer(2)
	s.Offer(3)

	drained := s.Drain()
	ts.Equal([]int{1, 2, 3}, drained)
	ts.Equal(0, s.Len())
}
