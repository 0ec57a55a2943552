package approval

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanvault/chanvault/internal/catalog"
	"github.com/chanvault/chanvault/internal/objstore"
	"github.com/chanvault/chanvault/internal/platform"
)

type fakeConnector struct {
	mu      sync.Mutex
	calls   int
	err     error
	session platform.Session
}

func (c *fakeConnector) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *fakeConnector) Session() platform.Session { return c.session }

func (c *fakeConnector) ensureCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeCatalog struct {
	mu        sync.Mutex
	records   map[int64]catalog.MediaRecord
	approved  map[int64]string
	failed    map[int64]string
	listCalls int
	listErr   error
}

func newFakeCatalog(records ...catalog.MediaRecord) *fakeCatalog {
	c := &fakeCatalog{
		records:  map[int64]catalog.MediaRecord{},
		approved: map[int64]string{},
		failed:   map[int64]string{},
	}
	for _, rec := range records {
		c.records[rec.ID] = rec
	}
	return c
}

func (c *fakeCatalog) ListMediaByIDs(ctx context.Context, ids []int64) ([]catalog.MediaRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]catalog.MediaRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := c.records[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *fakeCatalog) MarkApproved(ctx context.Context, id int64, storageKey string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok || rec.State != catalog.StatePending {
		return false, nil
	}
	rec.State = catalog.StateApproved
	rec.StorageKey = storageKey
	c.records[id] = rec
	c.approved[id] = storageKey
	return true, nil
}

func (c *fakeCatalog) MarkFailed(ctx context.Context, id int64, cause string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[id] = cause
	return nil
}

type fakeObjects struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	putErr       error
	neverExist   bool
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (o *fakeObjects) EnsureBuckets(ctx context.Context) error { return nil }

func (o *fakeObjects) Put(ctx context.Context, kind platform.MediaKind, key string, r io.Reader, size int64, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.putErr != nil {
		return o.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.objects[string(kind)+"/"+key] = data
	o.contentTypes[string(kind)+"/"+key] = contentType
	return nil
}

func (o *fakeObjects) Exists(ctx context.Context, kind platform.MediaKind, key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.neverExist {
		return false, nil
	}
	_, ok := o.objects[string(kind)+"/"+key]
	return ok, nil
}

func (o *fakeObjects) PresignedGet(ctx context.Context, kind platform.MediaKind, key string, expiry time.Duration) (string, error) {
	return "https://objects.local/" + string(kind) + "/" + key, nil
}

func (o *fakeObjects) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objects)
}

func (o *fakeObjects) contentType(kind platform.MediaKind, key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.contentTypes[string(kind)+"/"+key]
}

type fakeDownloadSession struct {
	mu       sync.Mutex
	payload  []byte
	failIDs  map[int64]error
	attempts int
}

func (s *fakeDownloadSession) Connect(ctx context.Context) error { return nil }
func (s *fakeDownloadSession) Close(ctx context.Context) error   { return nil }
func (s *fakeDownloadSession) Connected() bool                   { return true }
func (s *fakeDownloadSession) Self(ctx context.Context) (platform.Self, error) {
	return platform.Self{}, nil
}
func (s *fakeDownloadSession) FetchBatch(ctx context.Context, channel string, afterID int64, limit int) ([]platform.Message, error) {
	return nil, nil
}

func (s *fakeDownloadSession) DownloadByID(ctx context.Context, channel string, messageID int64, w io.Writer) (int64, error) {
	s.mu.Lock()
	s.attempts++
	err := s.failIDs[messageID]
	payload := s.payload
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, werr := w.Write(payload)
	return int64(n), werr
}

func (s *fakeDownloadSession) SubscribeEvents(handler platform.EventHandler) {}

func (s *fakeDownloadSession) downloadAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func pendingRecord(id int64, channel string, messageID int64) catalog.MediaRecord {
	return catalog.MediaRecord{
		ID:              id,
		ChannelUsername: channel,
		MessageID:       messageID,
		FileName:        fmt.Sprintf("episode-%d.mp3", messageID),
		Kind:            platform.MediaKindAudio,
		MimeType:        "audio/mpeg",
		SizeBytes:       2048,
		State:           catalog.StatePending,
	}
}

func newTestProcessor(connector *fakeConnector, cat *fakeCatalog, objects *fakeObjects, maxBatch int) *Processor {
	return NewProcessor(nil, connector, cat, objects, maxBatch, 2)
}

func TestProcess_OversizedBatchRejectedBeforeAnyWork(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{session: &fakeDownloadSession{}}
	cat := newFakeCatalog()
	p := newTestProcessor(connector, cat, newFakeObjects(), 2)

	_, err := p.Process(context.Background(), []int64{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, platform.KindValidation, platform.KindOf(err))
	assert.Equal(t, 0, connector.ensureCalls(), "no connection attempt before validation passes")
	assert.Equal(t, 0, cat.listCalls)
}

func TestProcess_EmptyBatchRejected(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(&fakeConnector{}, newFakeCatalog(), newFakeObjects(), 10)
	_, err := p.Process(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, platform.KindValidation, platform.KindOf(err))
}

func TestProcess_DuplicateIDsCollapseUnderBound(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{payload: []byte("bytes")}
	connector := &fakeConnector{session: session}
	cat := newFakeCatalog(pendingRecord(1, "news", 100), pendingRecord(2, "news", 101))
	p := newTestProcessor(connector, cat, newFakeObjects(), 2)

	result, err := p.Process(context.Background(), []int64{1, 2, 1, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Succeeded)
}

func TestProcess_ItemsFailIndependently(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{
		payload: []byte("media bytes"),
		failIDs: map[int64]error{
			101: platform.Errorf(platform.KindPermission, "session.download", "file reference expired"),
		},
	}
	connector := &fakeConnector{session: session}
	cat := newFakeCatalog(
		pendingRecord(1, "news", 100),
		pendingRecord(2, "news", 101),
		pendingRecord(3, "news", 102),
	)
	objects := newFakeObjects()
	p := newTestProcessor(connector, cat, objects, 10)

	result, err := p.Process(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err, "per-item failures never fail the batch call")
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Items, 3)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.Contains(t, cat.approved, int64(1))
	assert.Contains(t, cat.approved, int64(3))
	assert.NotContains(t, cat.approved, int64(2))
	// Non-retriable cause is recorded on the row.
	assert.Contains(t, cat.failed, int64(2))
	assert.Equal(t, 2, objects.count())
}

func TestProcess_TransientFailureLeavesRecordPending(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{
		failIDs: map[int64]error{
			100: platform.Errorf(platform.KindNetworkTransient, "session.download", "connection reset"),
		},
	}
	connector := &fakeConnector{session: session}
	cat := newFakeCatalog(pendingRecord(1, "news", 100))
	p := newTestProcessor(connector, cat, newFakeObjects(), 10)

	result, err := p.Process(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.Empty(t, cat.failed, "transient failures leave the record pending for a later batch")
	assert.Equal(t, catalog.StatePending, cat.records[1].State)
}

func TestProcess_NeverApprovedWithoutVerifiedUpload(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{payload: []byte("bytes")}
	connector := &fakeConnector{session: session}
	cat := newFakeCatalog(pendingRecord(1, "news", 100))
	objects := newFakeObjects()
	objects.neverExist = true
	p := newTestProcessor(connector, cat, objects, 10)

	result, err := p.Process(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusFailed, result.Items[0].Status)
	assert.Equal(t, string(platform.KindStorage), result.Items[0].ErrorKind)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.Empty(t, cat.approved, "approval requires the object to be verified in storage")
}

func TestProcess_UploadFailureNotApproved(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{payload: []byte("bytes")}
	connector := &fakeConnector{session: session}
	cat := newFakeCatalog(pendingRecord(1, "news", 100))
	objects := newFakeObjects()
	objects.putErr = platform.Errorf(platform.KindStorage, "objstore.put", "bucket unreachable")
	p := newTestProcessor(connector, cat, objects, 10)

	result, err := p.Process(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	assert.Empty(t, cat.approved)
}

func TestProcess_AlreadyApprovedSkippedWithoutDownload(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{payload: []byte("bytes")}
	connector := &fakeConnector{session: session}
	approvedRec := pendingRecord(1, "news", 100)
	approvedRec.State = catalog.StateApproved
	cat := newFakeCatalog(approvedRec)
	p := newTestProcessor(connector, cat, newFakeObjects(), 10)

	result, err := p.Process(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusAlreadyApproved, result.Items[0].Status)
	assert.Equal(t, 0, session.downloadAttempts())
}

func TestProcess_UnknownIDReportedAsValidation(t *testing.T) {
	t.Parallel()

	p := newTestProcessor(&fakeConnector{session: &fakeDownloadSession{}}, newFakeCatalog(), newFakeObjects(), 10)

	result, err := p.Process(context.Background(), []int64{99})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, StatusFailed, result.Items[0].Status)
	assert.Equal(t, string(platform.KindValidation), result.Items[0].ErrorKind)
}

func TestProcess_CatalogUnreachableFailsBatch(t *testing.T) {
	t.Parallel()

	cat := newFakeCatalog()
	cat.listErr = platform.Errorf(platform.KindStorage, "catalog.list", "connection refused")
	p := newTestProcessor(&fakeConnector{}, cat, newFakeObjects(), 10)

	_, err := p.Process(context.Background(), []int64{1})
	require.Error(t, err)
	assert.Equal(t, platform.KindStorage, platform.KindOf(err))
}

func TestProcess_StoredObjectKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{payload: []byte("bytes")}
	connector := &fakeConnector{session: session}
	cat := newFakeCatalog(pendingRecord(1, "news", 100))
	objects := newFakeObjects()
	p := newTestProcessor(connector, cat, objects, 10)

	_, err := p.Process(context.Background(), []int64{1})
	require.NoError(t, err)

	cat.mu.Lock()
	defer cat.mu.Unlock()
	wantKey := objstore.ObjectKey("news", 100, "episode-100.mp3")
	assert.Equal(t, wantKey, cat.approved[1])
}

func TestProcess_UploadsDeclaredContentType(t *testing.T) {
	t.Parallel()

	session := &fakeDownloadSession{payload: []byte("bytes")}
	connector := &fakeConnector{session: session}
	legacy := pendingRecord(2, "news", 101)
	legacy.MimeType = ""
	cat := newFakeCatalog(pendingRecord(1, "news", 100), legacy)
	objects := newFakeObjects()
	p := newTestProcessor(connector, cat, objects, 10)

	_, err := p.Process(context.Background(), []int64{1, 2})
	require.NoError(t, err)

	key := objstore.ObjectKey("news", 100, "episode-100.mp3")
	assert.Equal(t, "audio/mpeg", objects.contentType(platform.MediaKindAudio, key))
	// Records ingested before the mime type was stored fall back.
	legacyKey := objstore.ObjectKey("news", 101, "episode-101.mp3")
	assert.Equal(t, "application/octet-stream", objects.contentType(platform.MediaKindAudio, legacyKey))
}
