package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"whatrix/internal/cache"
	"whatrix/internal/mapper"
	"whatrix/internal/models"
	"whatrix/pkg/bitrix"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeMappingStore is an in-memory mapper.Store.
type fakeMappingStore struct {
	mu        sync.Mutex
	byIdent   map[string]*models.ConversationMapping
	byChat    map[int64]*models.ConversationMapping
	nextID    int64
	saveErr   error
	saveCalls int

	// onConflict, when set, is inserted as the surviving row whenever a
	// save fails, simulating a concurrent writer winning the race.
	onConflict *models.ConversationMapping
}

func newFakeMappingStore() *fakeMappingStore {
	return &fakeMappingStore{
		byIdent: make(map[string]*models.ConversationMapping),
		byChat:  make(map[int64]*models.ConversationMapping),
	}
}

func (f *fakeMappingStore) SaveMapping(ctx context.Context, mapping *models.ConversationMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	if f.saveErr != nil {
		if f.onConflict != nil {
			copied := *f.onConflict
			f.byIdent[copied.ChannelIdentity] = &copied
			f.byChat[copied.CrmChatID] = &copied
		}
		return f.saveErr
	}
	f.nextID++
	mapping.ID = f.nextID
	mapping.CreatedAt = time.Now()
	mapping.UpdatedAt = mapping.CreatedAt
	copied := *mapping
	f.byIdent[mapping.ChannelIdentity] = &copied
	f.byChat[mapping.CrmChatID] = &copied
	return nil
}

func (f *fakeMappingStore) GetMappingByChannelIdentity(ctx context.Context, identity string) (*models.ConversationMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byIdent[identity]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeMappingStore) GetMappingByCrmChatID(ctx context.Context, chatID int64) (*models.ConversationMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byChat[chatID]; ok {
		copied := *m
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeMappingStore) TouchMapping(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byIdent[identity]; ok {
		m.LastMessageAt = time.Now()
	}
	return nil
}

func (f *fakeMappingStore) DeleteMapping(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.byIdent[identity]; ok {
		delete(f.byChat, m.CrmChatID)
		delete(f.byIdent, identity)
	}
	return nil
}

// mockCrmClient records CRM calls and serves canned responses.
type mockCrmClient struct {
	mu sync.Mutex

	createContactID  int64
	createContactErr error
	contactCalls     int

	createChatID  int64
	createChatErr error
	chatCalls     int

	sendMessageID  int64
	sendMessageErr error
	sentDialogs    []string
	sentBodies     []string

	foundContact *bitrix.Contact
}

func (m *mockCrmClient) CreateContact(ctx context.Context, name, phone string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contactCalls++
	return m.createContactID, m.createContactErr
}

func (m *mockCrmClient) CreateChat(ctx context.Context, entityID, title string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatCalls++
	return m.createChatID, m.createChatErr
}

func (m *mockCrmClient) SendMessage(ctx context.Context, dialogID, body string, system bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentDialogs = append(m.sentDialogs, dialogID)
	m.sentBodies = append(m.sentBodies, body)
	return m.sendMessageID, m.sendMessageErr
}

func (m *mockCrmClient) FindContactByPhone(ctx context.Context, phone string) (*bitrix.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foundContact, nil
}

// mockChannelClient records channel calls.
type mockChannelClient struct {
	mu sync.Mutex

	sendTextID  string
	sendTextErr error
	sentTo      []string
	sentBodies  []string

	markReadErr   error
	markReadCalls int
}

func (m *mockChannelClient) SendText(ctx context.Context, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentTo = append(m.sentTo, to)
	m.sentBodies = append(m.sentBodies, body)
	return m.sendTextID, m.sendTextErr
}

func (m *mockChannelClient) MarkAsRead(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markReadCalls++
	return m.markReadErr
}

// mockEnqueuer records send-queue handoffs.
type mockEnqueuer struct {
	mu          sync.Mutex
	channelJobs []models.ChannelSendJob
	crmJobs     []models.CrmSendJob
	channelErr  error
	crmErr      error
}

func (m *mockEnqueuer) EnqueueChannelSend(ctx context.Context, job models.ChannelSendJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelErr != nil {
		return m.channelErr
	}
	m.channelJobs = append(m.channelJobs, job)
	return nil
}

func (m *mockEnqueuer) EnqueueCrmSend(ctx context.Context, job models.CrmSendJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.crmErr != nil {
		return m.crmErr
	}
	m.crmJobs = append(m.crmJobs, job)
	return nil
}

type serviceFixture struct {
	service  *Service
	store    *fakeMappingStore
	dedup    *cache.DedupStore
	crm      *mockCrmClient
	channel  *mockChannelClient
	enqueuer *mockEnqueuer
}

func newServiceFixture() *serviceFixture {
	kv := cache.NewMemoryStore()
	mappingCache := cache.NewMappingCache(kv, time.Hour)
	dedup := cache.NewDedupStore(kv, 5*time.Minute, 30*time.Second)
	store := newFakeMappingStore()
	logger := quietLogger()

	crm := &mockCrmClient{createContactID: 501, createChatID: 42, sendMessageID: 9001}
	channel := &mockChannelClient{sendTextID: "wamid.out.1"}
	enqueuer := &mockEnqueuer{}

	return &serviceFixture{
		service:  NewService(mapper.New(store, mappingCache, logger), dedup, crm, channel, enqueuer, logger),
		store:    store,
		dedup:    dedup,
		crm:      crm,
		channel:  channel,
		enqueuer: enqueuer,
	}
}
