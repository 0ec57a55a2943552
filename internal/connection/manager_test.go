package connection

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanvault/chanvault/internal/platform"
)

type fakeSession struct {
	mu           sync.Mutex
	connectCalls int
	connectErr   error
	connected    bool
	gate         chan struct{}
	handler      platform.EventHandler
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connectCalls++
	gate := s.gate
	err := s.connectErr
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Self(ctx context.Context) (platform.Self, error) {
	return platform.Self{ID: 1, Username: "tester"}, nil
}

func (s *fakeSession) FetchBatch(ctx context.Context, channel string, afterID int64, limit int) ([]platform.Message, error) {
	return nil, nil
}

func (s *fakeSession) DownloadByID(ctx context.Context, channel string, messageID int64, w io.Writer) (int64, error) {
	return 0, nil
}

func (s *fakeSession) SubscribeEvents(handler platform.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *fakeSession) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

func TestEnsureConnected_SingleFlight(t *testing.T) {
	t.Parallel()

	session := &fakeSession{gate: make(chan struct{})}
	m := NewManager(nil, session, Options{ConnectTimeout: 5 * time.Second})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureConnected(context.Background())
		}(i)
	}
	// Let every caller join the in-flight attempt before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(session.gate)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, session.calls(), "concurrent callers must share one connect attempt")
	assert.True(t, m.Healthy())
}

func TestEnsureConnected_SharedFailureReachesEveryCaller(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		gate:       make(chan struct{}),
		connectErr: platform.Errorf(platform.KindCredentialInvalid, "session.connect", "auth key unregistered"),
	}
	m := NewManager(nil, session, Options{ConnectTimeout: 5 * time.Second})

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureConnected(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(session.gate)
	wg.Wait()

	for i, err := range errs {
		require.Error(t, err, "caller %d", i)
		assert.Equal(t, platform.KindCredentialInvalid, platform.KindOf(err), "caller %d", i)
	}
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestEnsureConnected_FastPathWhenConnected(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	m := NewManager(nil, session, Options{})

	require.NoError(t, m.EnsureConnected(context.Background()))
	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 1, session.calls())
}

func TestCredentialInvalid_Terminal(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		connectErr: platform.Errorf(platform.KindCredentialInvalid, "session.connect", "auth key unregistered"),
	}
	m := NewManager(nil, session, Options{})

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Equal(t, platform.KindCredentialInvalid, platform.KindOf(err))
	assert.Equal(t, StateFailed, m.Status().State)

	// Failed is terminal: later callers get the cause back without a retry.
	err = m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Equal(t, platform.KindCredentialInvalid, platform.KindOf(err))
	assert.Equal(t, 1, session.calls())

	// The health loop must also leave the failed state alone.
	m.healthCheck(context.Background())
	assert.Equal(t, 1, session.calls())
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestTransientFailure_LeavesDisconnected(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		connectErr: platform.Errorf(platform.KindNetworkTransient, "session.connect", "dial timeout"),
	}
	m := NewManager(nil, session, Options{})

	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.Status().State)

	// A later caller triggers a fresh attempt; once the network recovers the
	// manager reaches connected.
	session.mu.Lock()
	session.connectErr = nil
	session.mu.Unlock()
	require.NoError(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, StateConnected, m.Status().State)
	assert.Equal(t, 2, session.calls())
}

func TestHealthCheck_BoundedRetriesEndInFailed(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		connectErr: platform.Errorf(platform.KindNetworkTransient, "session.connect", "dial timeout"),
	}
	m := NewManager(nil, session, Options{MaxReconnectRetries: 2})

	m.healthCheck(context.Background())

	assert.Equal(t, 2, session.calls(), "the retry budget bounds reconnect attempts")
	status := m.Status()
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, platform.KindNetworkTransient, status.LastErrorKind)

	// Exhaustion is terminal until an operator restarts; the cause is
	// surfaced without another attempt.
	err := m.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.Equal(t, platform.KindNetworkTransient, platform.KindOf(err))
	assert.Equal(t, 2, session.calls())
}

func TestStart_SubscribesHandlerOnce(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	m := NewManager(nil, session, Options{HealthInterval: time.Hour})

	delivered := 0
	m.OnEvent(func(ctx context.Context, msg platform.Message) { delivered++ })
	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Shutdown(context.Background()) }()

	session.mu.Lock()
	handler := session.handler
	session.mu.Unlock()
	require.NotNil(t, handler, "live handler must be subscribed after first connect")

	handler(context.Background(), platform.Message{ID: 1})
	assert.Equal(t, 1, delivered)

	status := m.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.NotNil(t, status.ConnectedAt)
	assert.Equal(t, 1, status.Attempts)
}

func TestStatus_CarriesLastError(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		connectErr: platform.Errorf(platform.KindRateLimited, "session.connect", "flood wait"),
	}
	m := NewManager(nil, session, Options{})

	_ = m.EnsureConnected(context.Background())
	status := m.Status()
	assert.Equal(t, platform.KindRateLimited, status.LastErrorKind)
	assert.NotEmpty(t, status.LastError)
	assert.NotNil(t, status.LastAttemptAt)
}
