package scheduler

import (
	"os"
	"testing"
	"time"

	"github.com/duskline/updown-core/internal/oracle"
	"github.com/duskline/updown-core/internal/round"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/pkg/logging"
)

func newTestRoundEngine(t *testing.T) (*round.Engine, *storage.Storage) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "updown-scheduler-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	o := oracle.NewFixtureOracle(nil)
	eng := round.New(store, o, round.Config{
		Location:               time.UTC,
		FeeBps:                 100,
		SettleGraceMinutes:     30,
		CloseFetchDelayMinutes: 5,
	}, logging.Default())

	return eng, store
}

func TestSchedulerTicksRoundThroughLockAndSettle(t *testing.T) {
	eng, store := newTestRoundEngine(t)

	yesterday := time.Now().Add(-36 * time.Hour)
	r, err := eng.CreateRound(yesterday)
	if err != nil {
		t.Fatalf("CreateRound() error = %v", err)
	}

	s := New(eng, Config{PollInterval: 20 * time.Millisecond})
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetRound(r.ID)
		if err != nil {
			t.Fatalf("GetRound() error = %v", err)
		}
		if got.Status == storage.RoundStatusSettled {
			// The fixture oracle always produces a price, so this must
			// settle via SettleAuto before the grace window elapses,
			// never via the VOID path.
			if got.Result != nil && *got.Result == storage.RoundResultVoid {
				t.Fatalf("round settled VOID, want an UP/DOWN result from SettleAuto")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("round never reached SETTLED via the scheduler tick loop")
}

func TestSchedulerStopWaitsForLoopExit(t *testing.T) {
	eng, _ := newTestRoundEngine(t)

	s := New(eng, Config{PollInterval: time.Hour})
	s.Start()
	s.Stop()

	select {
	case <-s.done:
	default:
		t.Fatal("Stop() returned before the run loop closed its done channel")
	}
}
