package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/ledger"
	"reportflow/internal/monitor"
	"reportflow/internal/poller"
	"reportflow/internal/remote"
	"reportflow/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRemote answers status fetches from statuses. Unknown tasks hang until the caller
// gives up, so the background poller never interferes with tests that drive the sink.
type fakeRemote struct {
	mu         sync.Mutex
	statuses   map[string]remote.TaskStatus
	gates      map[string]chan struct{}
	entered    chan string
	cancelGate chan struct{}
	cancelErr  error
	cancelled  []string
	cleaned    []string
	beacons    []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		statuses: make(map[string]remote.TaskStatus),
		gates:    make(map[string]chan struct{}),
		entered:  make(chan string, 16),
	}
}

func (f *fakeRemote) GetTask(ctx context.Context, taskID string) (remote.StatusResult, error) {
	f.mu.Lock()
	gate := f.gates[taskID]
	f.mu.Unlock()

	select {
	case f.entered <- taskID:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.StatusResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	st, ok := f.statuses[taskID]
	f.mu.Unlock()
	if !ok {
		<-ctx.Done()
		return remote.StatusResult{}, ctx.Err()
	}
	return remote.StatusResult{Kind: remote.ResultOK, Status: st}, nil
}

func (f *fakeRemote) CancelTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	gate, err := f.cancelGate, f.cancelErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeRemote) CleanupTempFiles(_ context.Context, reportID string) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, reportID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRemote) CleanupBeacon(reportID string) {
	f.mu.Lock()
	f.beacons = append(f.beacons, reportID)
	f.mu.Unlock()
}

func (f *fakeRemote) CreateVersion(context.Context, string, remote.VersionRequest) (remote.CreatedVersion, error) {
	return remote.CreatedVersion{ID: "ver-1"}, nil
}

func (f *fakeRemote) GetVersion(context.Context, string) (remote.VersionContent, error) {
	return remote.VersionContent{}, nil
}

func (f *fakeRemote) CompareVersions(context.Context, string, string) (remote.VersionDiff, error) {
	return remote.VersionDiff{}, nil
}

func (f *fakeRemote) DownloadURL(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeRemote) calls() (cancelled, cleaned, beacons []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...), append([]string(nil), f.cleaned...), append([]string(nil), f.beacons...)
}

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, r *fakeRemote) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	s := New(Options{
		Poll: poller.Options{
			BaseInterval:   time.Hour,
			MaxFailures:    3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     2 * time.Millisecond,
		},
		Stall:                 monitor.StallOptions{Threshold: time.Minute, CheckInterval: time.Hour},
		SessionTimeoutMinutes: 10,
		SessionCheckInterval:  time.Hour,
		CancelTimeout:         time.Second,
		Now:                   clock.Now,
	}, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.baseCtx = ctx
	t.Cleanup(func() {
		cancel()
		s.WaitAll(context.Background())
	})
	return s, clock
}

func start(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.Start(context.Background(), StartRequest{TaskID: id, ReportID: "rep-1"})
	require.NoError(t, err)
}

func status(st string, stage task.Stage, progress int) remote.TaskStatus {
	return remote.TaskStatus{Status: st, Stage: string(stage), Progress: progress}
}

func TestStartMovesIdleTaskToUpload(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	before := s.Task()
	assert.Equal(t, task.StageIdle, before.Stage)
	assert.Equal(t, task.StatusPending, before.Status)

	got, err := s.Start(context.Background(), StartRequest{TaskID: "t-1", ReportID: "rep-1"})
	require.NoError(t, err)
	assert.Equal(t, task.StageUpload, got.Stage)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.True(t, got.Cancelable)

	_, err = s.Start(context.Background(), StartRequest{TaskID: "t-2"})
	assert.ErrorIs(t, err, task.ErrInvalidTransition, "a running task cannot be restarted")

	_, err = s.Start(context.Background(), StartRequest{})
	assert.ErrorIs(t, err, ErrMissingTaskID)
}

func TestPollSkippingAStageIsRejected(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	seq := s.BeginFetch("t-1")
	stop := s.ApplyStatus("t-1", seq, status("in_progress", task.StageAnalysis, 40))
	assert.False(t, stop)

	got := s.Task()
	assert.Equal(t, task.StageUpload, got.Stage)
	assert.Equal(t, 0, got.Progress, "a rejected answer leaves the record untouched")

	seq = s.BeginFetch("t-1")
	s.ApplyStatus("t-1", seq, status("in_progress", task.StageExtraction, 15))
	got = s.Task()
	assert.Equal(t, task.StageExtraction, got.Stage)
	assert.Equal(t, 15, got.Progress)
}

func TestPollReportingIdleIsRejected(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	stop := s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageIdle, 5))
	assert.False(t, stop)
	got := s.Task()
	assert.Equal(t, task.StageUpload, got.Stage)
	assert.True(t, got.Started())
	assert.Equal(t, 0, got.Progress)

	s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageExtraction, 10))
	assert.Equal(t, task.StageExtraction, s.Task().Stage)

	cancelled, err := s.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)
}

func TestTerminalStatusAppliedDespiteSkippedStage(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	failed := status("failed", task.StageWriter, 50)
	failed.Error = "writer crashed"
	stop := s.ApplyStatus("t-1", s.BeginFetch("t-1"), failed)
	assert.True(t, stop)
	got := s.Task()
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.StageUpload, got.Stage, "the unreachable stage is not applied")
	assert.Equal(t, "writer crashed", got.Error)

	start(t, s, "t-2")
	quality := 0.75
	done := status("completed", task.StageFinalization, 100)
	done.Quality = &quality
	stop = s.ApplyStatus("t-2", s.BeginFetch("t-2"), done)
	assert.True(t, stop)
	got = s.Task()
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, task.StageUpload, got.Stage)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Quality)
	assert.InDelta(t, 0.75, *got.Quality, 1e-9)
	assert.Zero(t, s.Ledger().Len())
}

func TestOutOfOrderProgressNeverDecreases(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	first := s.BeginFetch("t-1")
	second := s.BeginFetch("t-1")
	s.ApplyStatus("t-1", second, status("in_progress", task.StageUpload, 60))
	s.ApplyStatus("t-1", first, status("in_progress", task.StageUpload, 45))
	assert.Equal(t, 60, s.Task().Progress)

	third := s.BeginFetch("t-1")
	s.ApplyStatus("t-1", third, status("in_progress", task.StageUpload, 45))
	assert.Equal(t, 60, s.Task().Progress)
}

func TestCancelAppliesLocallyAndDiscardsLatePoll(t *testing.T) {
	r := newFakeRemote()
	r.cancelErr = &remote.CallError{Op: "cancel_task", Kind: remote.ErrTimeout, Cause: context.DeadlineExceeded}
	s, _ := newTestStore(t, r)
	start(t, s, "t-1")

	seq := s.BeginFetch("t-1")
	got, err := s.Cancel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.False(t, got.Cancelable)

	stop := s.ApplyStatus("t-1", seq, status("in_progress", task.StageExtraction, 80))
	assert.True(t, stop)
	after := s.Task()
	assert.Equal(t, task.StatusCancelled, after.Status)
	assert.Equal(t, task.StageUpload, after.Stage)

	require.True(t, s.WaitAll(context.Background()))
	cancelled, _, _ := r.calls()
	assert.Len(t, cancelled, cancelAttempts)

	txs := s.Ledger().List()
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusFailed, txs[0].Status)
	assert.Equal(t, cancelAttempts-1, txs[0].RetryCount)
	assert.Equal(t, task.StatusCancelled, s.Task().Status)
}

func TestDuplicateCancelRejectedWhilePending(t *testing.T) {
	r := newFakeRemote()
	r.cancelGate = make(chan struct{})
	s, _ := newTestStore(t, r)
	start(t, s, "t-1")

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Cancel(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrDuplicateTransaction)
	}
	assert.Equal(t, 1, succeeded)

	close(r.cancelGate)
	require.True(t, s.WaitAll(context.Background()))
	assert.Zero(t, s.Ledger().Len(), "acknowledged cancel leaves no record")

	_, err := s.Cancel(context.Background())
	assert.ErrorIs(t, err, task.ErrTaskTerminal)
}

func TestCancelBeforeStart(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	_, err := s.Cancel(context.Background())
	assert.ErrorIs(t, err, task.ErrNotStarted)
}

func TestCompletionGoesThroughLedger(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	quality, iterations := 0.92, 3
	st := status("completed", task.StageExtraction, 100)
	st.Quality, st.Iterations = &quality, &iterations

	stop := s.ApplyStatus("t-1", s.BeginFetch("t-1"), st)
	assert.True(t, stop)

	got := s.Task()
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Quality)
	assert.InDelta(t, 0.92, *got.Quality, 1e-9)
	assert.Equal(t, 3, *got.Iterations)
	assert.Zero(t, s.Ledger().Len())

	again := s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageExtraction, 50))
	assert.True(t, again)
	assert.Equal(t, task.StatusCompleted, s.Task().Status)
}

func TestRemoteAndLocalFailures(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")
	st := status("failed", "", 0)
	st.Error = "unreadable pdf"
	assert.True(t, s.ApplyStatus("t-1", s.BeginFetch("t-1"), st))
	assert.Equal(t, "unreadable pdf", s.Task().Error)

	start(t, s, "t-2")
	s.ConnectionLost("t-2", remote.ErrNetwork)
	got := s.Task()
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Error, task.ErrConnectionLost.Error())

	start(t, s, "t-3")
	s.ConnectionLost("t-other", remote.ErrNetwork)
	assert.Equal(t, task.StatusInProgress, s.Task().Status)
	s.TaskGone("t-3")
	assert.Equal(t, task.StatusFailed, s.Task().Status)
}

func TestRetryIndicator(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")
	s.FetchFailed("t-1", 1, remote.ErrTimeout)
	assert.True(t, s.Snapshot().Retrying)
	s.NetworkRecovered("t-1")
	assert.False(t, s.Snapshot().Retrying)
}

func TestStallFlaggedAndCleared(t *testing.T) {
	s, clock := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	clock.Advance(2 * time.Minute)
	s.NetworkChanged(false)
	s.NetworkChanged(true)

	require.Eventually(t, func() bool { return s.Task().IsStalled }, 2*time.Second, 5*time.Millisecond)
	got := s.Task()
	assert.Equal(t, task.StatusInProgress, got.Status, "a stall does not end the task")
	require.NotNil(t, got.StalledSince)
	assert.Equal(t, clock.Now(), *got.StalledSince)

	s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageUpload, 5))
	assert.False(t, s.Task().IsStalled)
}

func TestUnchangedPollDoesNotClearStall(t *testing.T) {
	s, clock := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")
	s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageUpload, 5))

	clock.Advance(2 * time.Minute)
	s.onStall(context.Background(), clock.Now(), s.stall.Generation())
	require.True(t, s.Task().IsStalled)

	s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageUpload, 5))
	assert.True(t, s.Task().IsStalled)
}

func TestStallFromPreviousTaskIgnored(t *testing.T) {
	s, clock := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")
	gen := s.stall.Generation()

	_, err := s.Cancel(context.Background())
	require.NoError(t, err)
	start(t, s, "t-2")

	clock.Advance(2 * time.Minute)
	s.onStall(context.Background(), clock.Now(), gen)
	assert.False(t, s.Task().IsStalled, "a stall raised before the restart must not hit the new task")

	s.onStall(context.Background(), clock.Now(), s.stall.Generation())
	assert.True(t, s.Task().IsStalled)
}

func TestSessionExpiryResetsState(t *testing.T) {
	r := newFakeRemote()
	s, clock := newTestStore(t, r)

	_, err := s.BeginUpload("rep-7", 3)
	require.NoError(t, err)
	_, err = s.UploadProgress(1)
	require.NoError(t, err)
	start(t, s, "t-1")
	_, err = s.Versions().CreateVersion(context.Background(), "rep-7", "draft", "")
	require.NoError(t, err)

	assert.False(t, s.CheckSession(context.Background(), clock.Now().Add(9*time.Minute)))

	clock.Advance(11 * time.Minute)
	require.True(t, s.CheckSession(context.Background(), clock.Now()))

	st := s.Snapshot()
	assert.Equal(t, task.StageIdle, st.Task.Stage)
	assert.Equal(t, task.StatusPending, st.Task.Status)
	assert.Equal(t, 10, st.Session.TimeoutMinutes, "timeout survives the reset")
	assert.Equal(t, clock.Now(), st.Session.LastActivity)
	assert.True(t, st.Upload.ShouldCleanup)
	assert.Equal(t, "rep-7", st.Upload.CleanupReportID)
	assert.Zero(t, st.Upload.TotalFiles)
	assert.Empty(t, st.Versions)

	require.NotNil(t, st.Expired)
	assert.Equal(t, task.StatusFailed, st.Expired.Status)
	assert.Equal(t, task.ErrSessionExpired.Error(), st.Expired.Error)
	assert.False(t, st.Expired.Cancelable)

	require.True(t, s.WaitAll(context.Background()))
	cancelled, _, _ := r.calls()
	assert.Equal(t, []string{"t-1"}, cancelled)

	reportID, ok := s.ConsumeCleanup()
	assert.True(t, ok)
	assert.Equal(t, "rep-7", reportID)
	_, ok = s.ConsumeCleanup()
	assert.False(t, ok)
}

func TestUploadFallsBackToTaskReport(t *testing.T) {
	s, clock := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")

	u, err := s.BeginUpload("", 2)
	require.NoError(t, err)
	assert.Equal(t, "rep-1", u.ReportID)

	clock.Advance(time.Hour)
	require.True(t, s.CheckSession(context.Background(), clock.Now()))
	st := s.Snapshot()
	assert.True(t, st.Upload.ShouldCleanup)
	assert.Equal(t, "rep-1", st.Upload.CleanupReportID)
}

func TestSessionExpiryWithoutUploadSkipsCleanup(t *testing.T) {
	s, clock := newTestStore(t, newFakeRemote())
	clock.Advance(time.Hour)
	require.True(t, s.CheckSession(context.Background(), clock.Now()))
	st := s.Snapshot()
	assert.False(t, st.Upload.ShouldCleanup)
	assert.Nil(t, st.Expired)
}

func TestActivityPostponesExpiry(t *testing.T) {
	s, clock := newTestStore(t, newFakeRemote())
	clock.Advance(8 * time.Minute)
	s.UpdateActivity()
	clock.Advance(8 * time.Minute)
	assert.False(t, s.CheckSession(context.Background(), clock.Now()))
}

func TestCleanupWorkerDeletesTempFiles(t *testing.T) {
	r := newFakeRemote()
	s, clock := newTestStore(t, r)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := s.BeginUpload("rep-3", 2)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.True(t, s.CheckSession(context.Background(), clock.Now()))

	require.Eventually(t, func() bool {
		_, cleaned, _ := r.calls()
		return len(cleaned) == 1 && cleaned[0] == "rep-3"
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, s.Snapshot().Upload.ShouldCleanup)
}

func TestReconnectRestoresRemoteStage(t *testing.T) {
	r := newFakeRemote()
	r.statuses["t-9"] = status("in_progress", task.StageWriter, 55)
	s, _ := newTestStore(t, r)

	got, err := s.Reconnect(context.Background(), "t-9", "rep-9")
	require.NoError(t, err)
	assert.Equal(t, task.StageWriter, got.Stage)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Equal(t, 55, got.Progress)
	assert.Equal(t, "rep-9", got.ReportID)
	assert.Zero(t, s.Ledger().Len())

	_, err = s.Reconnect(context.Background(), "t-10", "")
	assert.ErrorIs(t, err, ErrTaskActive)
}

func TestReconnectAnswerAfterStartIsDiscarded(t *testing.T) {
	r := newFakeRemote()
	r.statuses["t-old"] = status("in_progress", task.StageAnalysis, 30)
	r.gates["t-old"] = make(chan struct{})
	s, _ := newTestStore(t, r)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Reconnect(context.Background(), "t-old", "")
		errCh <- err
	}()
	for id := range r.entered {
		if id == "t-old" {
			break
		}
	}

	start(t, s, "t-new")
	close(r.gates["t-old"])

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not return")
	}
	got := s.Task()
	assert.Equal(t, "t-new", got.ID)
	assert.Equal(t, task.StageUpload, got.Stage)
}

func TestReconnectToLocallyCancelledTaskRefused(t *testing.T) {
	r := newFakeRemote()
	r.statuses["t-1"] = status("in_progress", task.StageExtraction, 20)
	s, _ := newTestStore(t, r)
	start(t, s, "t-1")
	_, err := s.Cancel(context.Background())
	require.NoError(t, err)

	_, err = s.Reconnect(context.Background(), "t-1", "")
	assert.ErrorIs(t, err, task.ErrTaskTerminal)
	assert.Equal(t, task.StatusCancelled, s.Task().Status)
}

func TestRestoreTerminalStatus(t *testing.T) {
	quality := 0.8
	st := status("completed", task.StageFinalization, 100)
	st.Quality = &quality
	got, err := restore("t-1", "rep-1", st, epoch)
	require.NoError(t, err)
	assert.Equal(t, task.StageFinalization, got.Stage)
	assert.Equal(t, task.StatusCompleted, got.Status)

	_, err = restore("t-1", "", status("exploded", task.StageUpload, 0), epoch)
	assert.ErrorIs(t, err, remote.ErrInvalidResponse)
}

func TestUploadLifecycle(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())

	_, err := s.UploadProgress(1)
	assert.ErrorIs(t, err, ErrNoUpload)
	_, err = s.BeginUpload("rep-1", 0)
	assert.ErrorIs(t, err, ErrInvalidUpload)
	_, err = s.BeginUpload("  ", 2)
	assert.ErrorIs(t, err, ErrInvalidUpload, "an upload must name its report")

	first, err := s.BeginUpload("rep-1", 4)
	require.NoError(t, err)
	assert.NotEmpty(t, first.UploadSessionID)
	assert.True(t, first.Active())

	u, err := s.UploadProgress(3)
	require.NoError(t, err)
	assert.Equal(t, 75, u.Progress)
	u, _ = s.UploadProgress(2)
	assert.Equal(t, 3, u.UploadedFiles, "upload counts never go back")
	u, _ = s.UploadProgress(9)
	assert.Equal(t, 100, u.Progress)
	assert.False(t, u.Active())

	second, err := s.BeginUpload("rep-1", 2)
	require.NoError(t, err)
	assert.NotEqual(t, first.UploadSessionID, second.UploadSessionID)
	assert.Zero(t, second.Progress)

	failed, err := s.UploadFailed("")
	require.NoError(t, err)
	assert.Equal(t, "upload failed", failed.Error)
	assert.False(t, failed.Active())
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	initial := <-ch
	assert.Equal(t, task.StageIdle, initial.Task.Stage)

	start(t, s, "t-1")
	select {
	case st := <-ch:
		assert.Equal(t, "t-1", st.Task.ID)
	case <-time.After(time.Second):
		t.Fatal("no update after start")
	}

	unsubscribe()
	unsubscribe()
	s.UpdateActivity()
	s.NetworkChanged(false)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a state")
	default:
	}
}

func TestUnloadSendsBeacon(t *testing.T) {
	r := newFakeRemote()
	s, _ := newTestStore(t, r)
	_, ok := s.Unload()
	assert.False(t, ok)

	start(t, s, "t-1")
	reportID, ok := s.Unload()
	assert.True(t, ok)
	assert.Equal(t, "rep-1", reportID)
	_, _, beacons := r.calls()
	assert.Equal(t, []string{"rep-1"}, beacons)
}

func TestVersionsUseCurrentStage(t *testing.T) {
	s, _ := newTestStore(t, newFakeRemote())
	start(t, s, "t-1")
	s.ApplyStatus("t-1", s.BeginFetch("t-1"), status("in_progress", task.StageExtraction, 10))

	v, err := s.Versions().CreateVersion(context.Background(), "rep-1", "snapshot", "")
	require.NoError(t, err)
	assert.Equal(t, task.StageExtraction, v.Stage)
	assert.Len(t, s.Snapshot().Versions["rep-1"], 1)
}
