package lifecycle

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LifecycleTestSuite struct {
	suite.Suite
}

func (s *LifecycleTestSuite) TestMachine_StartStopIdempotent() {
	var m Machine
	starts, stops := 0, 0
	start := func() error { starts++; return nil }
	stop := func() error { stops++; return nil }

	changed, err := m.Start(start)
	s.Require().NoError(err)
	s.Require().True(changed)
	changed, err = m.Start(start)
	s.Require().NoError(err)
	s.Require().False(changed)
	s.Require().Equal(1, starts)
	s.Require().Equal(Running, m.State())

	changed, _ = m.Stop(stop)
	s.Require().True(changed)
	changed, _ = m.Stop(stop)
	s.Require().False(changed)
	s.Require().Equal(1, stops)
	s.Require().Equal(Stopped, m.State())
}

func (s *LifecycleTestSuite) TestMachine_FailedStartStaysStopped() {
	var m Machine
	boom := errors.New("boom")
	changed, err := m.Start(func() error { return boom })
	s.Require().ErrorIs(err, boom)
	s.Require().False(changed)
	s.Require().Equal(Stopped, m.State())
}

func (s *LifecycleTestSuite) TestMachine_FailedStopStillStops() {
	var m Machine
	_, _ = m.Start(nil)
	boom := errors.New("boom")
	changed, err := m.Stop(func() error { return boom })
	s.Require().True(changed)
	s.Require().ErrorIs(err, boom)
	s.Require().False(m.Running())
}

func (s *LifecycleTestSuite) TestMachine_CloseIsTerminal() {
	var m Machine
	_, _ = m.Start(nil)
	var sawRunning bool
	changed, err := m.Close(func(wasRunning bool) error { sawRunning = wasRunning; return nil })
	s.Require().NoError(err)
	s.Require().True(changed)
	s.Require().True(sawRunning)
	s.Require().Equal("closed", m.State().String())

	changed, err = m.Close(nil)
	s.Require().NoError(err)
	s.Require().False(changed)
	_, err = m.Start(nil)
	s.Require().ErrorIs(err, ErrClosed)
}

func (s *LifecycleTestSuite) TestMachine_ConcurrentStart() {
	var m Machine
	var mu sync.Mutex
	starts := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Start(func() error {
				mu.Lock()
				starts++
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	s.Require().Equal(1, starts)
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}
