package attendance

import (
	"context"
	"sync"
	"time"

	"faceattend/internal/logging"
)

// Repo is the store surface the dedup service needs.
type Repo interface {
	ExistsFor(ctx context.Context, studentID, date string) (bool, error)
	Insert(ctx context.Context, rec Record) (bool, error)
	SetTimeOut(ctx context.Context, studentID, date string, at time.Time) error
}

// Options tune deduplication behavior.
type Options struct {
	// Cooldown suppresses store round-trips for a student seen again within
	// the window. Zero disables the gate.
	Cooldown time.Duration
	// UpdateTimeOut, when set, stamps time_out on repeat sightings within the
	// same day instead of ignoring them entirely.
	UpdateTimeOut bool
}

// Service enforces at-most-one attendance record per (student, calendar day).
// It is the only write path into attendance from the recognition pipeline.
type Service struct {
	repo Repo
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewService creates a dedup service backed by a repository.
func NewService(repo Repo, opts Options, log *logging.Logger) *Service {
	return &Service{
		repo:     repo,
		opts:     opts,
		log:      log,
		lastSeen: make(map[string]time.Time),
	}
}

// MarkPresent records attendance for the student if none exists for the day.
// The check-then-insert runs under the service mutex so two concurrent
// detections cannot both insert; the store's unique constraint backstops it.
// Repeat sightings are benign no-ops. Returns whether a record was created.
func (s *Service) MarkPresent(ctx context.Context, studentID string, at time.Time) (bool, error) {
	date := DateOf(at)

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSeen[studentID]; ok && s.opts.Cooldown > 0 &&
		at.Sub(last) < s.opts.Cooldown && DateOf(last) == date {
		return false, nil
	}
	s.lastSeen[studentID] = at

	exists, err := s.repo.ExistsFor(ctx, studentID, date)
	if err != nil {
		return false, err
	}
	if exists {
		if s.opts.UpdateTimeOut {
			if err := s.repo.SetTimeOut(ctx, studentID, date, at); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	created, err := s.repo.Insert(ctx, Record{
		StudentID: studentID,
		Date:      date,
		TimeIn:    at,
		Status:    "Present",
	})
	if err != nil {
		return false, err
	}
	if created {
		s.log.Infow("attendance marked", "student_id", studentID, "date", date)
	}
	return created, nil
}
