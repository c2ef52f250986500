package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type TreiberTestSuite struct {
	suite.Suite
}

func TestTreiberTestSuite(t *testing.T) {
	suite.Run(t, new(TreiberTestSuite))
}

func (ts *TreiberTestSuite) TestPushPopLIFO() {
	s := NewTreiber[int]()
	s.Push(1)
	s.Push(2)
	s.Push(3)

	v, ok := s.Pop()
	ts.True(ok)
	ts.Equal(3, v)

	v, ok = s.Pop()
	ts.True(ok)
	ts.Equal(2, v)
}

func (ts *TreiberTestSuite) TestPopEmpty() {
	s := NewTreiber[int]()
	_, ok := s.Pop()
	ts.False(ok)
	ts.True(s.Empty())
}

func (ts *TreiberTestSuite) TestDrainMatchingPartitions() {
	s := NewTreiber[int]()
	for i := 1; i <= 6; i++ {
		s.Push(i)
	}

	var matched []int
	s.DrainMatching(
		func(v int) bool { return v%2 == 0 },
		func(v int) { matched = append(matched, v) },
	)

	ts.ElementsMatch([]int{2, 4, 6}, matched)

	var remaining []int
	for {
		v, ok := s.Pop()
		if !ok {
			break
		}
		remaining = append(remaining, v)
	}
	ts.ElementsMatch([]int{1, 3, 5}, remaining)
}

func (ts *TreiberTestSuite) TestConcurrentPushPop() {
	s := NewTreiber[int]()
	const n = 2000

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Push(i)
		}()
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for {
		v, ok := s.Pop()
		if !ok {
			break
		}
		seen[v] = true
	}
	ts.Len(seen, n)
}
