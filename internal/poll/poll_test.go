//go:build unix

package poll

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type PollerTestSuite struct {
	suite.Suite
	p    Poller
	r, w *os.File
}

func (s *PollerTestSuite) SetupTest() {
	p, err := New()
	s.Require().Nil(err)
	s.p = p
	s.r, s.w, err = os.Pipe()
	s.Require().Nil(err)
}

func (s *PollerTestSuite) TearDownTest() {
	_ = s.r.Close()
	_ = s.w.Close()
	s.Require().Nil(s.p.Close())
}

func (s *PollerTestSuite) TestTimeoutWithoutEvents() {
	s.Require().Nil(s.p.Set(int(s.r.Fd()), Readable))
	events := make([]Event, 8)
	start := time.Now()
	n, err := s.p.Wait(events, 20*time.Millisecond)
	s.Require().Nil(err)
	s.Require().Equal(0, n)
	s.Require().GreaterOrEqual(time.Since(start), 15*time.Millisecond)
}

func (s *PollerTestSuite) TestReadableAfterWrite() {
	rfd := int(s.r.Fd())
	s.Require().Nil(s.p.Set(rfd, Readable))
	_, err := s.w.Write([]byte("x"))
	s.Require().Nil(err)

	events := make([]Event, 8)
	n, err := s.p.Wait(events, time.Second)
	s.Require().Nil(err)
	s.Require().Equal(1, n)
	s.Require().Equal(rfd, events[0].FD)
	s.Require().NotZero(events[0].Ready & Readable)
}

func (s *PollerTestSuite) TestWritableAndModify() {
	wfd := int(s.w.Fd())
	s.Require().Nil(s.p.Set(wfd, Writable))
	events := make([]Event, 8)
	n, err := s.p.Wait(events, time.Second)
	s.Require().Nil(err)
	s.Require().Equal(1, n)
	s.Require().NotZero(events[0].Ready & Writable)

	// switching interest to read on the write end of a pipe never fires
	s.Require().Nil(s.p.Set(wfd, Readable))
	n, err = s.p.Wait(events, 10*time.Millisecond)
	s.Require().Nil(err)
	s.Require().Equal(0, n)
}

func (s *PollerTestSuite) TestRemoveIsIdempotent() {
	wfd := int(s.w.Fd())
	s.Require().Nil(s.p.Set(wfd, 0))
	s.Require().Nil(s.p.Set(wfd, Writable))
	s.Require().Nil(s.p.Set(wfd, 0))
	s.Require().Nil(s.p.Set(wfd, 0))

	events := make([]Event, 8)
	n, err := s.p.Wait(events, 10*time.Millisecond)
	s.Require().Nil(err)
	s.Require().Equal(0, n)
}

func TestPollerTestSuite(t *testing.T) {
	suite.Run(t, new(PollerTestSuite))
}

func TestTimeoutMillis(t *testing.T) {
	cases := map[time.Duration]int{
		-time.Second:            -1,
		0:                       0,
		time.Microsecond:        1,
		time.Millisecond:        1,
		1500 * time.Microsecond: 2,
	}
	for in, want := range cases {
		if got := timeoutMillis(in); got != want {
			t.Errorf("timeoutMillis(%v) = %d, want %d", in, got, want)
		}
	}
}
