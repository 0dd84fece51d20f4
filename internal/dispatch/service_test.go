package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Dhrubot/choukidar-sub001/internal/classify"
	"github.com/Dhrubot/choukidar-sub001/internal/clock"
	"github.com/Dhrubot/choukidar-sub001/internal/config"
	"github.com/Dhrubot/choukidar-sub001/internal/domain"
	"github.com/Dhrubot/choukidar-sub001/internal/queue"
	"github.com/Dhrubot/choukidar-sub001/internal/resilience"
)

var errBrokerDown = errors.New("broker connection refused")

type stubBroker struct {
	mem  *queue.Memory
	down bool
}

func (s *stubBroker) Name() domain.Backend { return domain.BackendBroker }

func (s *stubBroker) Enqueue(ctx context.Context, job *domain.Job) error {
	if s.down {
		return errBrokerDown
	}
	if err := s.mem.Enqueue(ctx, job); err != nil {
		return err
	}
	job.Backend = domain.BackendBroker
	return nil
}

func (s *stubBroker) Dequeue(ctx context.Context, tier domain.Tier, deadline time.Time) (*domain.Job, error) {
	if s.down {
		return nil, errBrokerDown
	}
	job, err := s.mem.Dequeue(ctx, tier, deadline)
	if job != nil {
		job.Backend = domain.BackendBroker
	}
	return job, err
}

func (s *stubBroker) Complete(ctx context.Context, job *domain.Job) error {
	return s.mem.Complete(ctx, job)
}
func (s *stubBroker) Retry(ctx context.Context, job *domain.Job) error {
	return s.mem.Retry(ctx, job)
}
func (s *stubBroker) Discard(ctx context.Context, job *domain.Job) error {
	return s.mem.Discard(ctx, job)
}
func (s *stubBroker) MoveDue(ctx context.Context, tier domain.Tier, now time.Time, batch int64) (int, error) {
	return s.mem.MoveDue(ctx, tier, now, batch)
}
func (s *stubBroker) ReclaimStalled(ctx context.Context, tier domain.Tier, now time.Time, batch int64) ([]*domain.Job, error) {
	return s.mem.ReclaimStalled(ctx, tier, now, batch)
}
func (s *stubBroker) Stats(ctx context.Context, tier domain.Tier) (queue.Stats, error) {
	if s.down {
		return queue.Stats{}, errBrokerDown
	}
	return s.mem.Stats(ctx, tier)
}

type fakeStore struct {
	mu        sync.Mutex
	degraded  []string
	failWrite bool
}

func (f *fakeStore) SaveDegraded(_ context.Context, r *domain.Report, processErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("postgres down")
	}
	f.degraded = append(f.degraded, r.ID)
	return nil
}

func (f *fakeStore) degradedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.degraded...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	alerts   []error
}

func (f *fakeNotifier) Notify(_ context.Context, r *domain.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, r.ID)
}

func (f *fakeNotifier) Alert(_ context.Context, _ string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, err)
}

func (f *fakeNotifier) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type serviceFixture struct {
	svc      *Service
	broker   *stubBroker
	store    *fakeStore
	notifier *fakeNotifier
	inline   *inlineSpy
}

type inlineSpy struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *inlineSpy) handler(_ context.Context, _ *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *inlineSpy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	breaker := resilience.New(resilience.Config{FailureThreshold: 1 << 20, OpenTimeout: time.Minute}, clk, zap.NewNop())
	broker := &stubBroker{mem: queue.NewMemory(clk)}
	mgr := queue.NewManager(broker, queue.NewMemory(clk), breaker, config.TierDefaults(), clk, zap.NewNop())
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	spy := &inlineSpy{}
	svc := New(classify.New(classify.Default()), mgr, breaker, store, notifier, spy.handler,
		time.Second, clk, zap.NewNop())
	return &serviceFixture{svc: svc, broker: broker, store: store, notifier: notifier, inline: spy}
}

func TestSafetyFlagTakesDirectPath(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		GenderSensitive: true,
		Description:     "followed near the market",
	}, queue.Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "emergency", res.Tier)
	assert.Equal(t, "direct", res.QueueUsed)
	assert.NotEmpty(t, res.ReportID)
	assert.Contains(t, res.Reasons, classify.ReasonSafetyFlag)
	require.Equal(t, 1, f.inline.callCount())
}

func TestStandardReportEnqueuedOnBroker(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		Description: "pothole on main road",
	}, queue.Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "standard", res.Tier)
	assert.Equal(t, "broker", res.QueueUsed)
	assert.False(t, res.Fallback)
	assert.Zero(t, f.inline.callCount())
}

func TestStandardReportFallsBackWhenBrokerDown(t *testing.T) {
	f := newServiceFixture(t)
	f.broker.down = true

	res, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		Description: "streetlight out",
	}, queue.Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "fallback", res.QueueUsed)
	assert.True(t, res.Fallback)
}

func TestEmergencyInlineFailureWritesDegradedRecord(t *testing.T) {
	f := newServiceFixture(t)
	f.broker.down = true
	f.inline.err = errors.New("handler blew up")

	res, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		GenderSensitive: true,
		Description:     "followed near the market",
	}, queue.Options{})
	require.NoError(t, err, "degraded write absorbed the failure")

	assert.True(t, res.Success)
	assert.True(t, res.Fallback)
	assert.Equal(t, "emergency", res.Tier)
	require.Equal(t, []string{res.ReportID}, f.store.degradedIDs())
	assert.Zero(t, f.notifier.alertCount())
}

func TestEmergencyPathTotalFailureIsFatal(t *testing.T) {
	f := newServiceFixture(t)
	f.inline.err = errors.New("handler blew up")
	f.store.failWrite = true

	res, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		GenderSensitive: true,
		Description:     "followed near the market",
	}, queue.Options{})

	require.ErrorIs(t, err, ErrEmergencyPath)
	assert.False(t, res.Success)
	require.Equal(t, 1, f.notifier.alertCount())
}

func TestEmergencySuccessNotifiesFireAndForget(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		GenderSensitive: true,
	}, queue.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.notifier.mu.Lock()
		defer f.notifier.mu.Unlock()
		return len(f.notifier.notified) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedReportStillSucceeds(t *testing.T) {
	f := newServiceFixture(t)

	res, err := f.svc.ProcessReport(context.Background(), &domain.Report{}, queue.Options{})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "standard", res.Tier)
	assert.Contains(t, res.Reasons, classify.ReasonMalformedInput)
}

func TestHealthStatusReflectsBreaker(t *testing.T) {
	f := newServiceFixture(t)
	h := f.svc.HealthStatus()
	assert.Equal(t, resilience.StateClosed, h.CircuitState)
	assert.Equal(t, 100.0, h.HealthScore)
}

func TestQueueStatsCoverAllTiers(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.ProcessReport(context.Background(), &domain.Report{
		Description: "pothole on main road",
	}, queue.Options{})
	require.NoError(t, err)

	stats, err := f.svc.QueueStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, len(domain.AllTiers()))
	assert.EqualValues(t, 1, stats[domain.TierStandard].Waiting)
}
