package bandwidth

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Day bits for Schedule.Days, Sunday first to match time.Weekday.
const (
	Sunday uint8 = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	EveryDay = Sunday | Monday | Tuesday | Wednesday | Thursday | Friday | Saturday
)

// Schedule describes the alternate ("turtle") speed window: between
// BeginMinute and EndMinute (minutes after midnight, window may wrap past
// midnight) on the selected days, the alternate rates replace the normal
// ones.
type Schedule struct {
	Enabled     bool
	BeginMinute int
	EndMinute   int
	Days        uint8

	UpRate      int
	DownRate    int
	AltUpRate   int
	AltDownRate int
}

// Active reports whether t falls inside the alternate-speed window.
func (s Schedule) Active(t time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.Days&(1<<uint(t.Weekday())) == 0 {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	if s.BeginMinute <= s.EndMinute {
		return minute >= s.BeginMinute && minute < s.EndMinute
	}
	// Window wraps past midnight.
	return minute >= s.BeginMinute || minute < s.EndMinute
}

// Scheduler swaps the root limiters between normal and alternate rates at
// window boundaries.
type Scheduler struct {
	mu       sync.Mutex
	up, down *Limiter
	schedule Schedule
	alt      bool
	quit     chan struct{}
	log      *logrus.Entry
}

func NewScheduler(up, down *Limiter, schedule Schedule) *Scheduler {
	s := &Scheduler{
		up:       up,
		down:     down,
		schedule: schedule,
		quit:     make(chan struct{}),
		log:      logrus.WithField("component", "bandwidth"),
	}
	s.apply(time.Now())
	return s
}

func (s *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.quit:
				return
			case now := <-ticker.C:
				s.apply(now)
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.quit)
}

func (s *Scheduler) SetSchedule(schedule Schedule) {
	s.mu.Lock()
	s.schedule = schedule
	s.mu.Unlock()
	s.apply(time.Now())
}

// apply swaps rates only when the window state flips, so manual SetRate
// calls between boundaries stick.
func (s *Scheduler) apply(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.schedule.Active(now)
	if active == s.alt {
		return
	}
	s.alt = active
	if active {
		s.up.SetRate(s.schedule.AltUpRate)
		s.down.SetRate(s.schedule.AltDownRate)
	} else {
		s.up.SetRate(s.schedule.UpRate)
		s.down.SetRate(s.schedule.DownRate)
	}
	s.log.WithFields(logrus.Fields{
		"alt_speed": active,
		"up":        s.up.Rate(),
		"down":      s.down.Rate(),
	}).Info("speed limits swapped")
}

// AltActive reports whether alternate limits are currently in force.
func (s *Scheduler) AltActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alt
}
