package indexdb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hwgw.ai/internal/game"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{ev: game.Event{Kind: game.EventStart}}

	_ = s.RecordEvent(game.Event{Kind: game.EventMode})
	_ = s.RecordEvent(game.Event{Kind: game.EventOutcome})

	st := s.Stats()
	if st.Dropped != 2 {
		t.Fatalf("Dropped=%d want=2", st.Dropped)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_BatchLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	plan := &game.ThreadPlan{HackThreads: 40, WeakenForHack: 2, GrowThreads: 40, WeakenForGrow: 4, TotalRAM: 150.5, StealRatio: 0.4}
	healthy, sick := true, false
	srv := &game.ServerState{Hostname: "joesguns", Security: 5, MinSecurity: 5, Money: 62_500_000, MaxMoney: 62_500_000}

	events := []game.Event{
		{RunID: "r1", At: t0, Kind: game.EventStart, Target: "joesguns", Mode: game.ModePrep},
		{RunID: "r1", At: t0.Add(time.Second), Kind: game.EventBatchLaunch, BatchID: "b1", Target: "joesguns", Mode: game.ModeBatch, Plan: plan},
		{RunID: "r1", At: t0.Add(2 * time.Second), Kind: game.EventOutcome, BatchID: "b1", Target: "joesguns", Mode: game.ModeBatch, Server: srv, Healthy: &healthy},
		{RunID: "r1", At: t0.Add(3 * time.Second), Kind: game.EventBatchLaunch, BatchID: "b2", Target: "joesguns", Mode: game.ModeBatch, Plan: plan},
		{RunID: "r1", At: t0.Add(4 * time.Second), Kind: game.EventOutcome, BatchID: "b2", Target: "joesguns", Mode: game.ModeBatch, Server: srv, Healthy: &sick},
		{RunID: "r1", At: t0.Add(5 * time.Second), Kind: game.EventBatchLaunch, BatchID: "b3", Target: "joesguns", Mode: game.ModeBatch, Plan: plan},
	}
	for _, ev := range events {
		if err := idx.RecordEvent(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if st := idx.Stats(); st.Written != uint64(len(events)) || st.Dropped != 0 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}

	recent, err := idx.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].BatchID != "b3" || recent[1].Kind != game.EventOutcome {
		t.Fatalf("recent=%+v", recent)
	}

	batches, err := idx.Batches(ctx, "joesguns", 10)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches=%d want=3", len(batches))
	}
	if batches[0].BatchID != "b3" || batches[0].Healthy != nil {
		t.Fatalf("latest batch should be unassessed b3: %+v", batches[0])
	}
	if batches[2].BatchID != "b1" || batches[2].Healthy == nil || !*batches[2].Healthy || batches[2].MoneyFrac != 1 {
		t.Fatalf("b1 should be healthy at full money: %+v", batches[2])
	}
	if batches[1].Plan != *plan {
		t.Fatalf("plan=%+v want=%+v", batches[1].Plan, *plan)
	}

	h, u, err := idx.HealthCounts(ctx, "joesguns")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if h != 1 || u != 1 {
		t.Fatalf("healthy=%d unhealthy=%d", h, u)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Writes after close are ignored.
	if err := idx.RecordEvent(events[0]); err != nil {
		t.Fatalf("record after close: %v", err)
	}
}

func TestSQLiteIndex_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "index.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = idx.RecordEvent(game.Event{RunID: "r", Kind: game.EventHalt, Target: "n00dles", Mode: game.ModeBatch, Reason: game.ReasonFatalNoYield})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	evs, err := idx.RecentEvents(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(evs) != 1 || evs[0].Reason != game.ReasonFatalNoYield {
		t.Fatalf("events=%+v", evs)
	}
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSQLiteIndex_CloseWhileRecording(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				_ = idx.RecordEvent(game.Event{RunID: "r", Kind: game.EventMode, Target: "n00dles"})
				if j%100 == 0 {
					_ = idx.Flush(context.Background())
				}
			}
		}()
	}
	close(start)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()

	if err := idx.RecordEvent(game.Event{Kind: game.EventStart}); err != nil {
		t.Fatalf("RecordEvent after Close: %v", err)
	}
	if err := idx.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after Close: %v", err)
	}
}
