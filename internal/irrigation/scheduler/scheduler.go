// Copyright 2025 Tetsuya Kimata. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kimata/rasp-water/internal/irrigation/footprint"
)

// DefaultRetryCount is how many attempts an automatic watering gets before
// the scheduler gives up.
const DefaultRetryCount = 3

// MsgAutoFailed is surfaced when every attempt of an automatic watering
// failed.
const MsgAutoFailed = "automatic watering failed"

// ControlFunc starts a watering of the given length in minutes through the
// same entry point the manual UI uses. It reports whether the attempt
// succeeded.
type ControlFunc func(periodMin int) bool

// Notifier is the operator-visible log sink.
type Notifier interface {
	Info(msg string)
	Error(msg string)
}

// Config carries the scheduler tunables.
type Config struct {
	// Tick is the loop interval. Defaults to 250 ms.
	Tick time.Duration

	// Path is the schedule persistence file.
	Path string

	// LivenessFile is touched every second while the worker runs.
	LivenessFile string

	// Location is the zone schedule times are interpreted in, so daylight
	// and offset changes stay correct.
	Location *time.Location

	// RetryCount overrides DefaultRetryCount when positive.
	RetryCount int
}

// job is one registered recurrence: a weekday-at-HH:MM schedule and its next
// fire time.
type job struct {
	sched  cron.Schedule
	period int
	next   time.Time
}

// Scheduler owns the schedule set and fires the registered recurrences. It
// consumes replacement sets from a single-element latest-wins channel,
// draining any pending item on each tick before running due jobs.
type Scheduler struct {
	cfg      Config
	clock    clockwork.Clock
	control  ControlFunc
	notifier Notifier
	log      *zap.SugaredLogger

	replace chan []Entry

	mu      sync.RWMutex
	current []Entry

	jobs []job

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a scheduler. control is invoked at fire time with the entry's
// period in minutes.
func New(cfg Config, clock clockwork.Clock, control ControlFunc, notifier Notifier, log *zap.SugaredLogger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 250 * time.Millisecond
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		control:  control,
		notifier: notifier,
		log:      log,
		replace:  make(chan []Entry, 1),
		current:  Default(),
		stopChan: make(chan struct{}),
	}
}

// Replace validates a schedule set and queues it for the worker. An invalid
// set is rejected: the error is surfaced to the operator and the current
// jobs are left untouched. A later replacement fully supersedes a queued one.
func (s *Scheduler) Replace(entries []Entry) error {
	if err := Validate(entries); err != nil {
		s.log.Warnf("Invalid schedule: %s", err)
		s.notifier.Error(ErrInvalid.Error())
		return err
	}

	for {
		select {
		case s.replace <- entries:
			return nil
		default:
			// Drop the stale pending set; the newest replacement wins.
			select {
			case <-s.replace:
			default:
			}
		}
	}
}

// Current returns the schedule set in effect.
func (s *Scheduler) Current() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.current))
	copy(out, s.current)
	return out
}

// Start launches the worker loop. The persisted schedule is loaded first; a
// corrupt file is surfaced once and replaced by the default set.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop terminates the worker and clears the registered jobs. Double stop is
// a no-op.
func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.log.Info("Terminate schedule worker")
}

func (s *Scheduler) run() {
	s.log.Info("Load schedule")
	entries, err := Load(s.cfg.Path)
	if err != nil {
		s.log.Warnf("Failed to load schedule: %s", err)
		s.notifier.Error("failed to load schedule settings")
		entries = Default()
	}
	s.apply(entries, false)

	s.log.Info("Start schedule worker")

	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	livenessEvery := int(time.Second / s.cfg.Tick)
	if livenessEvery < 1 {
		livenessEvery = 1
	}

	i := 0
	for {
		select {
		case <-ticker.Chan():
			s.Tick()
			if i%livenessEvery == 0 && s.cfg.LivenessFile != "" {
				now := float64(s.clock.Now().UnixNano()) / 1e9
				if err := footprint.Update(s.cfg.LivenessFile, now); err != nil {
					s.log.Warnf("Failed to touch liveness file: %s", err)
				}
			}
			i++
		case <-s.stopChan:
			s.jobs = nil
			return
		}
	}
}

// Tick drains a pending replacement, then runs due jobs. The worker loop
// calls it every interval; tests call it directly.
func (s *Scheduler) Tick() {
	select {
	case entries := <-s.replace:
		s.apply(entries, true)
	default:
	}
	s.runPending()
}

// apply installs a schedule set: it clears all jobs and registers one
// recurrence per active entry and selected weekday. When persist is set the
// accepted set is also serialised so it survives restart.
func (s *Scheduler) apply(entries []Entry, persist bool) {
	s.mu.Lock()
	s.current = entries
	s.mu.Unlock()

	now := s.clock.Now().In(s.cfg.Location)

	s.jobs = s.jobs[:0]
	for _, e := range entries {
		if !e.IsActive {
			continue
		}
		var hour, minute int
		if _, err := fmt.Sscanf(e.Time, "%2d:%2d", &hour, &minute); err != nil {
			s.log.Warnf("Failed to parse schedule time %q: %s", e.Time, err)
			continue
		}
		for wday, active := range e.Wday {
			if !active {
				continue
			}
			spec := fmt.Sprintf("%d %d * * %d", minute, hour, wday)
			sched, err := cronParser.Parse(spec)
			if err != nil {
				s.log.Warnf("Failed to parse recurrence %q: %s", spec, err)
				continue
			}
			s.jobs = append(s.jobs, job{
				sched:  sched,
				period: e.Period,
				next:   sched.Next(now),
			})
		}
	}

	for _, j := range s.jobs {
		s.log.Infof("Next run: %s", j.next.Format("2006-01-02 15:04"))
	}
	if idle, ok := s.IdleSeconds(); ok {
		s.log.Infof("Now is %s, time to next job is %d hour(s) %d minute(s) %d second(s)",
			now.Format("2006-01-02 15:04"),
			int(idle)/3600, int(idle)%3600/60, int(idle)%60)
	}

	if persist {
		if err := Store(s.cfg.Path, entries); err != nil {
			s.log.Warnf("Failed to store schedule: %s", err)
			s.notifier.Error("failed to save schedule settings")
		}
	}
}

// runPending fires every job whose next run time has been reached.
func (s *Scheduler) runPending() {
	now := s.clock.Now().In(s.cfg.Location)
	for i := range s.jobs {
		if now.Before(s.jobs[i].next) {
			continue
		}
		s.jobs[i].next = s.jobs[i].sched.Next(now)
		s.autoControl(s.jobs[i].period)
	}
}

// autoControl attempts an automatic watering through the shared entry point,
// retrying without delay; after the final failure the operator is told.
func (s *Scheduler) autoControl(periodMin int) {
	s.log.Info("Starts automatic control of the valve")

	for attempt := 0; attempt < s.cfg.RetryCount; attempt++ {
		if s.control(periodMin) {
			return
		}
	}
	s.notifier.Error(MsgAutoFailed)
}

// IdleSeconds reports the time until the next registered fire, for tests and
// operator logs. ok is false when no job is registered.
func (s *Scheduler) IdleSeconds() (float64, bool) {
	now := s.clock.Now().In(s.cfg.Location)
	var best time.Duration
	found := false
	for _, j := range s.jobs {
		d := j.next.Sub(now)
		if !found || d < best {
			best = d
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return best.Seconds(), true
}
