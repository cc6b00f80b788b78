package trip

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/overland-data/tripline/internal/timeutil"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	nextID  int64
	fixes   map[int64]PositionFix
	saveErr error
	listErr error
}

func newMemStore() *memStore {
	return &memStore{fixes: make(map[int64]PositionFix)}
}

func (s *memStore) Save(fix PositionFix) (int64, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	s.nextID++
	s.fixes[s.nextID] = fix
	return s.nextID, nil
}

func (s *memStore) ListUnsent() ([]QueuedFix, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []QueuedFix
	for id := int64(1); id <= s.nextID; id++ {
		if fix, ok := s.fixes[id]; ok {
			out = append(out, QueuedFix{ID: id, Fix: fix})
		}
	}
	return out, nil
}

func (s *memStore) DeleteByIDs(ids []int64) error {
	for _, id := range ids {
		if _, ok := s.fixes[id]; !ok {
			return fmt.Errorf("delete of unknown id %d", id)
		}
		delete(s.fixes, id)
	}
	return nil
}

// recordingUploader captures what was sent and can be told to fail.
type recordingUploader struct {
	singles [][]PositionFix
	batches [][]PositionFix
	err     error
}

func (u *recordingUploader) SendOne(ctx context.Context, fix PositionFix) error {
	if u.err != nil {
		return u.err
	}
	u.singles = append(u.singles, []PositionFix{fix})
	return nil
}

func (u *recordingUploader) SendBatch(ctx context.Context, fixes []PositionFix) error {
	if u.err != nil {
		return u.err
	}
	u.batches = append(u.batches, fixes)
	return nil
}

func newTestPipeline() (*UploadPipeline, *memStore, *recordingUploader) {
	store := newMemStore()
	uploader := &recordingUploader{}
	filter := NewLocationFilter(nil, timeutil.NewMockClock(time.Unix(1000, 0)))
	return NewUploadPipeline(filter, store, uploader), store, uploader
}

func TestPipelineDropsFilteredFix(t *testing.T) {
	p, store, uploader := newTestPipeline()

	fix := testFix(37.77, -122.42, 1_000_000)
	fix.AccuracyM = 500
	outcome, res, err := p.Accept(context.Background(), fix)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if outcome != OutcomeDropped {
		t.Errorf("outcome = %v, want dropped", outcome)
	}
	if res.ShouldSend {
		t.Error("filter accepted a 500m-accuracy fix")
	}
	if len(store.fixes) != 0 || len(uploader.singles) != 0 {
		t.Error("dropped fix reached the store or uploader")
	}
}

func TestPipelineSendsSingleFix(t *testing.T) {
	p, store, uploader := newTestPipeline()

	outcome, res, err := p.Accept(context.Background(), testFix(37.77, -122.42, 1_000_000))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("outcome = %v, want sent", outcome)
	}
	if len(uploader.singles) != 1 || len(uploader.batches) != 0 {
		t.Errorf("calls = %d single / %d batch, want 1/0", len(uploader.singles), len(uploader.batches))
	}
	if len(store.fixes) != 0 {
		t.Errorf("%d fixes left queued after ack", len(store.fixes))
	}
	if res.Stats.TotalSent != 1 {
		t.Errorf("TotalSent = %d, want 1", res.Stats.TotalSent)
	}
}

func TestPipelineBatchesBacklog(t *testing.T) {
	p, store, uploader := newTestPipeline()

	// Two fixes queue up while the network is down.
	uploader.err = errors.New("network down")
	for i := 0; i < 2; i++ {
		outcome, res, err := p.Accept(context.Background(), testFix(37.77+float64(i)*0.01, -122.42, 1_000_000+int64(i)*60_000))
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if outcome != OutcomeQueued {
			t.Fatalf("outcome = %v, want queued", outcome)
		}
		if res.Stats.LastError == "" {
			t.Error("delivery failure not surfaced in stats")
		}
	}
	if len(store.fixes) != 2 {
		t.Fatalf("%d fixes queued, want 2", len(store.fixes))
	}

	// The network returns; the next accepted fix drains all three in a batch.
	uploader.err = nil
	outcome, res, err := p.Accept(context.Background(), testFix(37.80, -122.42, 1_200_000))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("outcome = %v, want sent", outcome)
	}
	if len(uploader.batches) != 1 || len(uploader.batches[0]) != 3 {
		t.Fatalf("batches = %+v, want one batch of 3", uploader.batches)
	}
	if len(store.fixes) != 0 {
		t.Errorf("%d fixes left queued after batch ack", len(store.fixes))
	}
	if res.Stats.LastError != "" {
		t.Errorf("LastError not cleared after recovery: %q", res.Stats.LastError)
	}
}

func TestPipelineStoreFaultIsAnError(t *testing.T) {
	p, store, _ := newTestPipeline()
	store.saveErr = errors.New("disk full")

	outcome, _, err := p.Accept(context.Background(), testFix(37.77, -122.42, 1_000_000))
	if err == nil {
		t.Fatal("store fault not reported")
	}
	if outcome != OutcomeQueued {
		t.Errorf("outcome = %v, want queued", outcome)
	}
}

func TestPipelineFlushEmptyQueue(t *testing.T) {
	p, _, uploader := newTestPipeline()

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(uploader.singles) != 0 || len(uploader.batches) != 0 {
		t.Error("flush of an empty queue hit the uploader")
	}
}

func TestPipelineFlushDrainsBacklog(t *testing.T) {
	p, store, uploader := newTestPipeline()

	uploader.err = errors.New("offline")
	p.Accept(context.Background(), testFix(37.77, -122.42, 1_000_000))
	uploader.err = nil

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(uploader.singles) != 1 {
		t.Errorf("singles = %d, want 1", len(uploader.singles))
	}
	if len(store.fixes) != 0 {
		t.Errorf("%d fixes left queued after flush", len(store.fixes))
	}
}

func TestPipelineStatsNeverRegress(t *testing.T) {
	p, _, _ := newTestPipeline()

	for i := 0; i < 5; i++ {
		p.Accept(context.Background(), testFix(37.77+float64(i)*0.01, -122.42, 1_000_000+int64(i)*60_000))
	}
	st := p.Stats()
	if st.TotalSent > st.TotalReceived {
		t.Errorf("sent %d exceeds received %d", st.TotalSent, st.TotalReceived)
	}
	if st.TotalReceived != 5 {
		t.Errorf("TotalReceived = %d, want 5", st.TotalReceived)
	}
}
