package capture

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"

	"github.com/lk2023060901/altpool-go/internal/config"
	"github.com/lk2023060901/altpool-go/internal/events"
	"github.com/lk2023060901/altpool-go/pkg/log"
	"github.com/lk2023060901/altpool-go/pkg/metrics"
	"github.com/lk2023060901/altpool-go/pkg/util/merr"
)

type CorrelatorSuite struct {
	suite.Suite

	clock   *clockwork.FakeClock
	c       *Correlator
	results chan Result
}

func (s *CorrelatorSuite) SetupTest() {
	logger, props, err := log.InitTestLogger(s.T(), &log.Config{Level: "debug"})
	s.Require().NoError(err)
	log.ReplaceGlobals(logger, props)

	s.clock = clockwork.NewFakeClock()
	s.c = New(s.clock)
	s.results = make(chan Result, 16)
}

func (s *CorrelatorSuite) TearDownTest() {
	s.c.Close()
}

func (s *CorrelatorSuite) deliver(r Result) {
	s.results <- r
}

func (s *CorrelatorSuite) begin(req Request) uint64 {
	id, err := s.c.Begin(req, s.deliver)
	s.Require().NoError(err)
	return id
}

func (s *CorrelatorSuite) next() Result {
	select {
	case r := <-s.results:
		return r
	case <-time.After(5 * time.Second):
		s.FailNow("no result delivered")
		return Result{}
	}
}

func (s *CorrelatorSuite) noResult() {
	select {
	case r := <-s.results:
		s.Failf("unexpected result", "%+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func chatOn(ep config.EndpointKey, i int) events.ChatEvent {
	return events.ChatEvent{Endpoint: ep, From: "Steve", Text: fmt.Sprintf("line %d", i)}
}

func (s *CorrelatorSuite) TestTimeoutFlushesOnlyScopedLines() {
	id := s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 3, Timeout: 9 * time.Second})

	s.c.Observe(chatOn(config.EndpointA, 1))
	for i := 0; i < 5; i++ {
		s.c.Observe(chatOn(config.EndpointB, i))
	}
	s.c.Observe(chatOn(config.EndpointA, 2))
	s.noResult()

	s.clock.Advance(8 * time.Second)
	s.Equal(0, s.c.Sweep(s.clock.Now()))
	s.clock.Advance(time.Second)
	s.Equal(1, s.c.Sweep(s.clock.Now()))

	r := s.next()
	s.Equal(id, r.ID)
	s.Equal(metrics.TriggerTimeout, r.Trigger)
	s.Equal([]string{"Steve » line 1", "Steve » line 2"}, r.Lines)
	s.Equal(0, s.c.Active())
}

func (s *CorrelatorSuite) TestLineCapFlushesImmediately() {
	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 3, Timeout: 9 * time.Second})

	for i := 1; i <= 3; i++ {
		s.c.Observe(chatOn(config.EndpointA, i))
	}
	r := s.next()
	s.Equal(metrics.TriggerLines, r.Trigger)
	s.Len(r.Lines, 3)
	s.Equal(0, s.c.Active())

	// a fourth line has no capture to land in, and the deadline finds nothing
	s.c.Observe(chatOn(config.EndpointA, 4))
	s.clock.Advance(10 * time.Second)
	s.Equal(0, s.c.Sweep(s.clock.Now()))
	s.noResult()
}

func (s *CorrelatorSuite) TestEmptyResultIsDelivered() {
	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointB}, MaxLines: 5, Timeout: time.Second})
	s.clock.Advance(time.Second)
	s.c.Sweep(s.clock.Now())
	r := s.next()
	s.True(r.Empty())
	s.Equal(metrics.TriggerTimeout, r.Trigger)
}

func (s *CorrelatorSuite) TestOverlappingCaptures() {
	both := s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA, config.EndpointB}, MaxLines: 2, Timeout: time.Minute})
	onlyB := s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointB}, MaxLines: 1, Timeout: time.Minute})

	s.c.Observe(chatOn(config.EndpointB, 1))
	r := s.next()
	s.Equal(onlyB, r.ID)
	s.Equal([]string{"Steve » line 1"}, r.Lines)
	s.Equal(1, s.c.Active())

	s.c.Observe(chatOn(config.EndpointA, 2))
	r = s.next()
	s.Equal(both, r.ID)
	s.Equal([]config.EndpointKey{config.EndpointA, config.EndpointB}, r.Endpoints)
	s.Equal([]string{"Steve » line 1", "Steve » line 2"}, r.Lines)
}

func (s *CorrelatorSuite) TestSeedLinesCountTowardCap() {
	s.begin(Request{
		Endpoints: []config.EndpointKey{config.EndpointA},
		MaxLines:  2,
		Seed:      []string{"Steve » /bal"},
		Timeout:   time.Minute,
	})
	s.c.Observe(chatOn(config.EndpointA, 1))
	r := s.next()
	s.Equal([]string{"Steve » /bal", "Steve » line 1"}, r.Lines)

	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 1, Seed: []string{"a", "b"}, Timeout: time.Minute})
	r = s.next()
	s.Equal([]string{"a"}, r.Lines)
	s.Equal(0, s.c.Active())
}

func (s *CorrelatorSuite) TestMaxLinesClamped() {
	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 0, Timeout: time.Minute})
	s.c.Observe(chatOn(config.EndpointA, 1))
	s.Len(s.next().Lines, 1)

	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 500, Timeout: time.Minute})
	for i := 0; i < config.MaxCaptureLines; i++ {
		s.c.Observe(chatOn(config.EndpointA, i))
	}
	s.Len(s.next().Lines, config.MaxCaptureLines)
}

func (s *CorrelatorSuite) TestBlankTextIgnored() {
	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 1, Timeout: time.Minute})
	s.c.Observe(events.ChatEvent{Endpoint: config.EndpointA, From: "Steve", Text: "   "})
	s.noResult()
	s.Equal(1, s.c.Active())
}

func (s *CorrelatorSuite) TestObserveExpiresFirst() {
	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 5, Timeout: time.Second})
	s.clock.Advance(2 * time.Second)
	s.c.Observe(chatOn(config.EndpointA, 1))
	r := s.next()
	s.Equal(metrics.TriggerTimeout, r.Trigger)
	s.True(r.Empty())
}

func (s *CorrelatorSuite) TestBeginValidation() {
	_, err := s.c.Begin(Request{Timeout: time.Second}, s.deliver)
	s.ErrorIs(err, merr.ErrParameterMissing)
	_, err = s.c.Begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}}, s.deliver)
	s.ErrorIs(err, merr.ErrParameterInvalid)
}

func (s *CorrelatorSuite) TestCloseFlushesOpenCaptures() {
	s.begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 5, Timeout: time.Minute})
	s.c.Close()
	r := s.next()
	s.Equal(TriggerClosed, r.Trigger)

	_, err := s.c.Begin(Request{Endpoints: []config.EndpointKey{config.EndpointA}, Timeout: time.Second}, s.deliver)
	s.Error(err)
}

func (s *CorrelatorSuite) TestSlowRequesterDoesNotBlock() {
	release := make(chan struct{})
	delivered := make(chan Result, 16)
	slow := func(r Result) {
		<-release
		delivered <- r
	}
	onA := []config.EndpointKey{config.EndpointA}
	for i := 0; i < 8; i++ {
		_, err := s.c.Begin(Request{Endpoints: onA, MaxLines: 1, Timeout: time.Minute}, slow)
		s.Require().NoError(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.c.Observe(chatOn(config.EndpointA, 1))
		_, err := s.c.Begin(Request{Endpoints: onA, MaxLines: 1, Seed: []string{"Steve » /bal"}, Timeout: time.Minute}, slow)
		s.NoError(err)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(release)
		s.FailNow("observe or begin waited on a requester")
	}
	s.Equal(0, s.c.Active())

	close(release)
	for i := 0; i < 9; i++ {
		select {
		case r := <-delivered:
			s.Len(r.Lines, 1)
			s.Equal(metrics.TriggerLines, r.Trigger)
		case <-time.After(5 * time.Second):
			s.FailNow("delivery missing", "got %d of 9", i)
		}
	}
}

func (s *CorrelatorSuite) TestCloseRacingBeginDeliversOnce() {
	for round := 0; round < 50; round++ {
		c := New(s.clock)
		var accepted, delivered atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := Request{Endpoints: []config.EndpointKey{config.EndpointA}, MaxLines: 1, Seed: []string{"seed"}, Timeout: time.Minute}
				if _, err := c.Begin(req, func(Result) { delivered.Inc() }); err == nil {
					accepted.Inc()
				}
			}()
		}
		c.Close()
		wg.Wait()
		s.Equal(accepted.Load(), delivered.Load(), "round %d", round)
	}
}

func TestCorrelator(t *testing.T) {
	suite.Run(t, new(CorrelatorSuite))
}
