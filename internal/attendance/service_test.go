package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"faceattend/internal/logging"
)

// memRepo is an in-memory Repo keyed by (student, date).
type memRepo struct {
	mu       sync.Mutex
	recs     map[string]Record
	timeOuts int
}

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[string]Record)}
}

func (m *memRepo) key(studentID, date string) string { return studentID + "|" + date }

func (m *memRepo) ExistsFor(_ context.Context, studentID, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recs[m.key(studentID, date)]
	return ok, nil
}

func (m *memRepo) Insert(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(rec.StudentID, rec.Date)
	if _, ok := m.recs[k]; ok {
		return false, nil
	}
	m.recs[k] = rec
	return true, nil
}

func (m *memRepo) SetTimeOut(_ context.Context, studentID, date string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(studentID, date)
	rec := m.recs[k]
	rec.TimeOut = &at
	m.recs[k] = rec
	m.timeOuts++
	return nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func (m *memRepo) get(studentID, date string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[m.key(studentID, date)]
	return rec, ok
}

func TestMarkPresent_IdempotentPerDay(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, Options{}, logging.Nop())
	ctx := context.Background()

	t1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(3 * time.Hour)

	created, err := svc.MarkPresent(ctx, "s1", t1)
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}
	created, err = svc.MarkPresent(ctx, "s1", t2)
	if err != nil || created {
		t.Fatalf("second call same day: created=%v err=%v", created, err)
	}

	if repo.count() != 1 {
		t.Fatalf("expected exactly one record, got %d", repo.count())
	}
	rec, _ := repo.get("s1", DateOf(t1))
	if !rec.TimeIn.Equal(t1) {
		t.Fatalf("time_in must stay at first call: got %v want %v", rec.TimeIn, t1)
	}
}

func TestMarkPresent_NewDayCreatesNewRecord(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, Options{}, logging.Nop())
	ctx := context.Background()

	day1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	if _, err := svc.MarkPresent(ctx, "s1", day1); err != nil {
		t.Fatal(err)
	}
	created, err := svc.MarkPresent(ctx, "s1", day2)
	if err != nil || !created {
		t.Fatalf("next day: created=%v err=%v", created, err)
	}
	if repo.count() != 2 {
		t.Fatalf("expected two records, got %d", repo.count())
	}
}

func TestMarkPresent_CooldownSkipsStoreRoundTrips(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, Options{Cooldown: 5 * time.Minute, UpdateTimeOut: true}, logging.Nop())
	ctx := context.Background()

	t1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if _, err := svc.MarkPresent(ctx, "s1", t1); err != nil {
		t.Fatal(err)
	}
	// Within cooldown: no store access, so no time_out update either.
	if _, err := svc.MarkPresent(ctx, "s1", t1.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if repo.timeOuts != 0 {
		t.Fatalf("cooldown should gate store access, got %d time_out updates", repo.timeOuts)
	}
	// Past cooldown: repeat sighting stamps time_out.
	if _, err := svc.MarkPresent(ctx, "s1", t1.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if repo.timeOuts != 1 {
		t.Fatalf("expected one time_out update, got %d", repo.timeOuts)
	}
	if repo.count() != 1 {
		t.Fatalf("expected one record, got %d", repo.count())
	}
}

func TestMarkPresent_TimeOutDisabledByDefault(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, Options{}, logging.Nop())
	ctx := context.Background()

	t1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := svc.MarkPresent(ctx, "s1", t1); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkPresent(ctx, "s1", t1.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if repo.timeOuts != 0 {
		t.Fatalf("time_out updates must be opt-in, got %d", repo.timeOuts)
	}
}

func TestMarkPresent_ConcurrentDetectionsSingleRecord(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, Options{}, logging.Nop())
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	var createdCount int32
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := svc.MarkPresent(ctx, "s1", at)
			if err != nil {
				t.Errorf("MarkPresent: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if createdCount != 1 {
		t.Fatalf("expected exactly one creation, got %d", createdCount)
	}
	if repo.count() != 1 {
		t.Fatalf("expected one record, got %d", repo.count())
	}
}
