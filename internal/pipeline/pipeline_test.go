package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/broadcast-api/config"
	"github.com/jwalitptl/broadcast-api/internal/model"
	"github.com/jwalitptl/broadcast-api/internal/pipeline"
	"github.com/jwalitptl/broadcast-api/internal/workflow"
	"github.com/jwalitptl/broadcast-api/pkg/logger"
	"github.com/jwalitptl/broadcast-api/pkg/messaging"
	"github.com/jwalitptl/broadcast-api/pkg/metrics"
)

// ---------- in-memory collaborators ----------

type notificationStore struct {
	mu            sync.Mutex
	notification  *model.Notification
	audiences     []model.AudienceEntry
	statusHistory []model.NotificationStatus
}

func (s *notificationStore) Get(_ context.Context, id uuid.UUID) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.notification
	return &cp, nil
}

func (s *notificationStore) GetAudiences(context.Context, uuid.UUID) ([]model.AudienceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AudienceEntry(nil), s.audiences...), nil
}

func (s *notificationStore) UpdateStatus(_ context.Context, _ uuid.UUID, status model.NotificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notification.Status = status
	s.statusHistory = append(s.statusHistory, status)
	return nil
}

func (s *notificationStore) SetPayloadRef(_ context.Context, _ uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notification.PayloadRef = &ref
	return nil
}

func (s *notificationStore) SetTotalRecipients(_ context.Context, _ uuid.UUID, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notification.TotalRecipients = total
	return nil
}

func (s *notificationStore) UpdateCounters(_ context.Context, _ uuid.UUID, counts model.RecipientCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCounts(counts)
	return nil
}

func (s *notificationStore) MarkSent(_ context.Context, _ uuid.UUID, counts model.RecipientCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCounts(counts)
	s.notification.Status = model.NotificationStatusSent
	s.statusHistory = append(s.statusHistory, model.NotificationStatusSent)
	now := time.Now().UTC()
	s.notification.SentAt = &now
	return nil
}

func (s *notificationStore) applyCounts(counts model.RecipientCounts) {
	s.notification.Succeeded = counts.Succeeded
	s.notification.Failed = counts.Failed
	s.notification.NotFound = counts.NotFound
	s.notification.Canceled = counts.Canceled
	s.notification.Unknown = counts.Unknown
}

func (s *notificationStore) ListDueScheduled(context.Context, time.Time, int) ([]*model.Notification, error) {
	return nil, nil
}

func (s *notificationStore) MarkQueued(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}

func (s *notificationStore) snapshot() model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.notification
}

type recipientStore struct {
	mu        sync.Mutex
	nextRowID int64
	rows      []*model.Recipient
}

func (s *recipientStore) BulkUpsert(_ context.Context, notificationID uuid.UUID, users []model.ResolvedUser) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, u := range users {
		if s.find(u.ID) != nil {
			continue
		}
		kind := u.Kind
		if kind == "" {
			kind = model.RecipientKindUser
		}
		s.nextRowID++
		s.rows = append(s.rows, &model.Recipient{
			RowID:          s.nextRowID,
			NotificationID: notificationID,
			RecipientID:    u.ID,
			Kind:           kind,
			Status:         model.DeliveryStatusQueued,
		})
		inserted++
	}
	return inserted, nil
}

func (s *recipientStore) find(recipientID string) *model.Recipient {
	for _, r := range s.rows {
		if r.RecipientID == recipientID {
			return r
		}
	}
	return nil
}

func (s *recipientStore) Get(_ context.Context, rowID int64) (*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.RowID == rowID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *recipientStore) NextPage(_ context.Context, _ uuid.UUID, afterRowID int64, limit int) ([]*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Recipient
	for _, r := range s.sorted() {
		if r.RowID <= afterRowID || r.Kind != model.RecipientKindUser {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *recipientStore) PagePendingSend(_ context.Context, _ uuid.UUID, afterRowID int64, limit int) ([]*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Recipient
	for _, r := range s.sorted() {
		if r.RowID <= afterRowID || r.Status != model.DeliveryStatusQueued || r.ConversationHandle == nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *recipientStore) SetConversationHandle(_ context.Context, rowID int64, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.RowID == rowID {
			h := handle
			r.ConversationHandle = &h
			return nil
		}
	}
	return fmt.Errorf("row %d not found", rowID)
}

func (s *recipientStore) SetConversationHandleByRecipient(_ context.Context, _ uuid.UUID, recipientID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.find(recipientID); r != nil {
		h := handle
		r.ConversationHandle = &h
	}
	return nil
}

func (s *recipientStore) CountPendingHandles(_ context.Context, _ uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.rows {
		if r.Kind == model.RecipientKindUser && r.ConversationHandle == nil && r.Status == model.DeliveryStatusQueued {
			count++
		}
	}
	return count, nil
}

func (s *recipientStore) PagePendingHandles(_ context.Context, _ uuid.UUID, limit int) ([]*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Recipient
	for _, r := range s.sorted() {
		if r.Kind != model.RecipientKindUser || r.ConversationHandle != nil || r.Status != model.DeliveryStatusQueued {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *recipientStore) MarkUnreachable(_ context.Context, _ uuid.UUID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.rows {
		if r.Kind == model.RecipientKindUser && r.ConversationHandle == nil && r.Status == model.DeliveryStatusQueued {
			r.Status = model.DeliveryStatusNotFound
			msg := reason
			r.ErrorMessage = &msg
			count++
		}
	}
	return count, nil
}

func (s *recipientStore) UpdateDeliveryStatus(_ context.Context, rowID int64, status model.DeliveryStatus, update model.DeliveryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.RowID == rowID {
			r.Status = status
			if update.StatusCode != nil {
				r.StatusCode = update.StatusCode
			}
			if update.ErrorMessage != nil {
				r.ErrorMessage = update.ErrorMessage
			}
			if update.SentAt != nil {
				r.SentAt = update.SentAt
			}
			return nil
		}
	}
	return fmt.Errorf("row %d not found", rowID)
}

func (s *recipientStore) IncrementRetry(_ context.Context, rowID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.RowID == rowID {
			r.RetryCount++
			return r.RetryCount, nil
		}
	}
	return 0, fmt.Errorf("row %d not found", rowID)
}

func (s *recipientStore) CountsByStatus(context.Context, uuid.UUID) (model.RecipientCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts model.RecipientCounts
	for _, r := range s.rows {
		counts.Total++
		switch r.Status {
		case model.DeliveryStatusSucceeded:
			counts.Succeeded++
		case model.DeliveryStatusFailed:
			counts.Failed++
		case model.DeliveryStatusNotFound:
			counts.NotFound++
		case model.DeliveryStatusCanceled:
			counts.Canceled++
		case model.DeliveryStatusUnknown:
			counts.Unknown++
		default:
			counts.Pending++
		}
	}
	return counts, nil
}

func (s *recipientStore) ForceCompleteNonTerminal(context.Context, uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.rows {
		if !r.Status.IsTerminal() {
			r.Status = model.DeliveryStatusUnknown
			count++
		}
	}
	return count, nil
}

func (s *recipientStore) sorted() []*model.Recipient {
	out := append([]*model.Recipient(nil), s.rows...)
	sort.Slice(out, func(i, j int) bool { return out[i].RowID < out[j].RowID })
	return out
}

func (s *recipientStore) statusCount(status model.DeliveryStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.rows {
		if r.Status == status {
			count++
		}
	}
	return count
}

type payloadStore struct {
	mu       sync.Mutex
	payloads map[uuid.UUID][]byte
}

func newPayloadStore() *payloadStore {
	return &payloadStore{payloads: make(map[uuid.UUID][]byte)}
}

func (s *payloadStore) Put(_ context.Context, id uuid.UUID, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[id] = payload
	return "payload/" + id.String(), nil
}

func (s *payloadStore) Get(_ context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[id], nil
}

// stubDirectory serves canned audiences and controls when conversation
// handles become visible.
type stubDirectory struct {
	mu           sync.Mutex
	allUserPages [][]model.ResolvedUser
	teams        map[string][]model.ResolvedUser
	groups       map[string][]model.ResolvedUser
	handlesReady bool
	installs     map[string]int
	teamInstalls map[string]int
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		teams:        make(map[string][]model.ResolvedUser),
		groups:       make(map[string][]model.ResolvedUser),
		installs:     make(map[string]int),
		teamInstalls: make(map[string]int),
		handlesReady: true,
	}
}

func (d *stubDirectory) ResolveAllUsers(_ context.Context, cursor string) ([]model.ResolvedUser, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &page)
	}
	if page >= len(d.allUserPages) {
		return nil, "", nil
	}
	next := ""
	if page+1 < len(d.allUserPages) {
		next = fmt.Sprintf("%d", page+1)
	}
	return d.allUserPages[page], next, nil
}

func (d *stubDirectory) ResolveTeamMembers(_ context.Context, teamID string) ([]model.ResolvedUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teams[teamID], nil
}

func (d *stubDirectory) ResolveGroupMembers(_ context.Context, groupID string) ([]model.ResolvedUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.groups[groupID], nil
}

func (d *stubDirectory) InstallForUser(_ context.Context, userID, appID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installs[userID]++
	return true, nil
}

func (d *stubDirectory) InstallForTeam(_ context.Context, teamGroupID, appID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teamInstalls[teamGroupID]++
	return true, nil
}

func (d *stubDirectory) GetConversationHandle(_ context.Context, userID, appID string) (*string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.handlesReady {
		return nil, nil
	}
	h := "conv-" + userID
	return &h, nil
}

// settlingQueue marks every dispatched recipient succeeded, standing in for
// the delivery workers so the aggregator can converge.
type settlingQueue struct {
	*messaging.MemoryQueue
	recipients *recipientStore
}

func (q *settlingQueue) Enqueue(ctx context.Context, queue string, task interface{}) error {
	if dt, ok := task.(model.DeliveryTask); ok && queue == model.QueueDelivery {
		if err := q.recipients.UpdateDeliveryStatus(ctx, dt.RecipientRowID, model.DeliveryStatusSucceeded, model.DeliveryUpdate{}); err != nil {
			return err
		}
	}
	return q.MemoryQueue.Enqueue(ctx, queue, task)
}

// ---------- fixture ----------

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		TargetAppID:           "broadcast-app",
		InstallPageSize:       10,
		InstallPagesPerLoad:   4,
		InstallWaveRestart:    10,
		HandlePollInterval:    time.Millisecond,
		HandlePollAttempts:    3,
		DispatchPageSize:      10,
		AggregateFastInterval: time.Millisecond,
		AggregateSlowInterval: 10 * time.Millisecond,
		AggregateFastWindow:   time.Minute,
		AggregateSafetyNet:    time.Hour,
	}
}

type fixture struct {
	notifications *notificationStore
	recipients    *recipientStore
	payloads      *payloadStore
	directory     *stubDirectory
	store         *memStore
	engine        *workflow.Engine
	id            uuid.UUID
}

func newFixture(t *testing.T, cfg config.PipelineConfig, queue messaging.TaskQueue, wire func(*fixture)) *fixture {
	t.Helper()

	f := &fixture{
		notifications: &notificationStore{},
		recipients:    &recipientStore{},
		payloads:      newPayloadStore(),
		directory:     newStubDirectory(),
		store:         newMemStore(),
		id:            uuid.New(),
	}
	f.notifications.notification = &model.Notification{
		ID:       f.id,
		TenantID: "tenant-1",
		Title:    "maintenance window",
		Status:   model.NotificationStatusQueued,
	}
	if wire != nil {
		wire(f)
	}

	l := &logger.Logger{ZL: zerolog.Nop()}
	p := pipeline.New(f.notifications, f.recipients, f.payloads, f.directory, queue, cfg, l)
	f.engine = workflow.NewEngine(f.store, l, metrics.New("test"), 4)
	f.engine.Register(pipeline.WorkflowKind, p.Run)
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Start(ctx, pipeline.WorkflowKind, pipeline.Input{NotificationID: f.id}))
}

func users(ids ...string) []model.ResolvedUser {
	out := make([]model.ResolvedUser, len(ids))
	for i, id := range ids {
		out[i] = model.ResolvedUser{ID: id, Kind: model.RecipientKindUser}
	}
	return out
}

// ---------- tests ----------

func TestPipelineHappyPath(t *testing.T) {
	recipients := &recipientStore{}
	queue := &settlingQueue{MemoryQueue: messaging.NewMemoryQueue()}

	f := newFixture(t, testConfig(), queue, func(f *fixture) {
		f.recipients = recipients
		f.notifications.audiences = []model.AudienceEntry{
			{Type: model.AudienceTypeTeam, ID: "team-1"},
			{Type: model.AudienceTypeGroup, ID: "group-1"},
		}
		// u2 appears in both audiences and must be counted once.
		f.directory.teams["team-1"] = users("u1", "u2")
		f.directory.groups["group-1"] = users("u2", "u3")
	})
	queue.recipients = recipients

	f.run(t)

	n := f.notifications.snapshot()
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	assert.NotNil(t, n.SentAt)
	assert.NotNil(t, n.PayloadRef)

	// Union of both audiences plus the team-scope recipient itself.
	assert.Equal(t, 4, n.TotalRecipients)
	assert.Equal(t, 4, n.Succeeded)
	assert.Equal(t, 0, n.Unknown)

	assert.Equal(t, []model.NotificationStatus{
		model.NotificationStatusSyncingRecipients,
		model.NotificationStatusInstallingApp,
		model.NotificationStatusSending,
		model.NotificationStatusSent,
	}, f.notifications.statusHistory)

	// Every user installed exactly once, team installed once, and the team
	// row carries the team scope as its handle.
	for _, u := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, 1, f.directory.installs[u], u)
	}
	assert.Equal(t, 1, f.directory.teamInstalls["team-1"])
	teamRow := f.recipients.find("team-1")
	require.NotNil(t, teamRow)
	require.NotNil(t, teamRow.ConversationHandle)
	assert.Equal(t, "team-1", *teamRow.ConversationHandle)
}

func TestPipelineAllUsersSync(t *testing.T) {
	recipients := &recipientStore{}
	queue := &settlingQueue{MemoryQueue: messaging.NewMemoryQueue()}

	f := newFixture(t, testConfig(), queue, func(f *fixture) {
		f.recipients = recipients
		f.notifications.notification.AllUsers = true
		// Two delta pages with an overlapping entry.
		f.directory.allUserPages = [][]model.ResolvedUser{
			users("u1", "u2", "u3"),
			users("u3", "u4"),
		}
	})
	queue.recipients = recipients

	f.run(t)

	n := f.notifications.snapshot()
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	assert.Equal(t, 4, n.TotalRecipients)
	assert.Equal(t, 4, n.Succeeded)
}

func TestPipelineCheckpointRestartAtScale(t *testing.T) {
	cfg := testConfig()
	cfg.InstallPageSize = 2
	cfg.InstallPagesPerLoad = 1
	cfg.InstallWaveRestart = 1

	recipients := &recipientStore{}
	queue := &settlingQueue{MemoryQueue: messaging.NewMemoryQueue()}

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%02d", i)
	}

	f := newFixture(t, cfg, queue, func(f *fixture) {
		f.recipients = recipients
		f.notifications.notification.AllUsers = true
		f.directory.allUserPages = [][]model.ResolvedUser{users(ids...)}
	})
	queue.recipients = recipients

	f.run(t)

	n := f.notifications.snapshot()
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	assert.Equal(t, 10, n.TotalRecipients)
	assert.Equal(t, 10, n.Succeeded)

	// One wave per instance: the lineage restarts after every full page
	// load and the last instance finds nothing left to install.
	continued := f.store.byStatus(model.WorkflowStatusContinued)
	completed := f.store.byStatus(model.WorkflowStatusCompleted)
	require.Len(t, completed, 1)
	assert.Len(t, continued, 5)
	for _, inst := range continued {
		assert.Equal(t, completed[0].LineageID, inst.LineageID)
	}

	// Restarts must not double-install.
	for _, id := range ids {
		assert.Equal(t, 1, f.directory.installs[id], id)
	}
}

func TestPipelineUnreachableRecipients(t *testing.T) {
	recipients := &recipientStore{}
	queue := &settlingQueue{MemoryQueue: messaging.NewMemoryQueue()}

	f := newFixture(t, testConfig(), queue, func(f *fixture) {
		f.recipients = recipients
		f.notifications.audiences = []model.AudienceEntry{
			{Type: model.AudienceTypeGroup, ID: "group-1"},
		}
		f.directory.groups["group-1"] = users("u1", "u2")
		// Installation never propagates.
		f.directory.handlesReady = false
	})
	queue.recipients = recipients

	f.run(t)

	n := f.notifications.snapshot()
	assert.Equal(t, model.NotificationStatusSent, n.Status)
	assert.Equal(t, 2, n.NotFound)
	assert.Equal(t, 0, n.Succeeded)
	assert.Equal(t, 2, recipients.statusCount(model.DeliveryStatusNotFound))

	row := recipients.find("u1")
	require.NotNil(t, row)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, "target not installed", *row.ErrorMessage)
}

func TestPipelineSafetyNetForcesCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.AggregateSafetyNet = 0

	recipients := &recipientStore{}
	// Plain queue: nothing settles the dispatched rows.
	queue := messaging.NewMemoryQueue()

	f := newFixture(t, cfg, queue, func(f *fixture) {
		f.recipients = recipients
		f.notifications.audiences = []model.AudienceEntry{
			{Type: model.AudienceTypeGroup, ID: "group-1"},
		}
		f.directory.groups["group-1"] = users("u1", "u2")
	})

	f.run(t)

	n := f.notifications.snapshot()
	assert.Equal(t, model.NotificationStatusSent, n.Status, "the safety net must complete the notification")
	assert.Equal(t, 2, n.Unknown)
	assert.Equal(t, 2, recipients.statusCount(model.DeliveryStatusUnknown))
}
