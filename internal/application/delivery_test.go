package application_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/capsuled/internal/application"
	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// --- Mock implementations ---

// memCapsuleStore is an in-memory CapsuleStore for orchestration tests.
// Quota accounting is the sqlite repo's concern and is not modeled here.
type memCapsuleStore struct {
	mu        sync.Mutex
	nextID    int64
	capsules  map[int64]*model.Capsule
	createErr error
}

func newMemCapsuleStore() *memCapsuleStore {
	return &memCapsuleStore{capsules: make(map[int64]*model.Capsule)}
}

func (m *memCapsuleStore) add(c model.Capsule) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	c.ID = m.nextID
	m.capsules[c.ID] = &c
	return c.ID
}

func (m *memCapsuleStore) get(id int64) *model.Capsule {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.capsules[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

func (m *memCapsuleStore) Create(_ context.Context, c *model.Capsule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	c.ID = m.nextID
	cp := *c
	m.capsules[c.ID] = &cp
	return nil
}

func (m *memCapsuleStore) GetByID(_ context.Context, id int64) (*model.Capsule, error) {
	return m.get(id), nil
}

func (m *memCapsuleStore) GetByUUID(_ context.Context, id uuid.UUID) (*model.Capsule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.capsules {
		if c.UUID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memCapsuleStore) ListByOwner(_ context.Context, ownerID int64) ([]model.Capsule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Capsule
	for _, c := range m.capsules {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memCapsuleStore) ListDue(_ context.Context, now time.Time) ([]model.Capsule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Capsule
	for _, c := range m.capsules {
		if !c.Delivered && !c.DeliverAt.After(now) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCapsuleStore) ListPending(_ context.Context) ([]model.Capsule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Capsule
	for _, c := range m.capsules {
		if !c.Delivered {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCapsuleStore) FindByPendingHandle(_ context.Context, handle string) ([]model.Capsule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Capsule
	for _, c := range m.capsules {
		if !c.Delivered && c.Recipient.Kind == model.RecipientHandle &&
			c.Recipient.Handle == handle && c.Recipient.ResolvedChannelID == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCapsuleStore) BindHandle(_ context.Context, id, channelID int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.capsules[id]
	if !ok || c.Delivered || c.Recipient.Kind != model.RecipientHandle || c.Recipient.ResolvedChannelID != nil {
		return false, nil
	}
	c.Recipient.ResolvedChannelID = &channelID
	c.Recipient.ActivatedAt = &at
	return true, nil
}

func (m *memCapsuleStore) MarkDelivered(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.capsules[id]
	if !ok || c.Delivered {
		return false, nil
	}
	c.Delivered = true
	c.DeliveredAt = &at
	c.InlineText = ""
	c.BlobKey = ""
	c.WrappedKey = nil
	return true, nil
}

func (m *memCapsuleStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.capsules[id]; !ok {
		return fmt.Errorf("capsule %d not found", id)
	}
	delete(m.capsules, id)
	return nil
}

type mockAccountStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]*model.Account
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{accounts: make(map[int64]*model.Account)}
}

func (m *mockAccountStore) Ensure(_ context.Context, channelID int64, handle string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.ChannelID == channelID {
			if handle != "" {
				a.Handle = handle
			}
			cp := *a
			return &cp, nil
		}
	}
	m.nextID++
	a := &model.Account{
		ID:             m.nextID,
		ChannelID:      channelID,
		Handle:         handle,
		Tier:           model.TierFree,
		CapsuleBalance: 3,
		CreatedAt:      time.Now(),
	}
	m.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *mockAccountStore) GetByID(_ context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *mockAccountStore) GetByChannel(_ context.Context, channelID int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.accounts {
		if a.ChannelID == channelID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// setTier adjusts a stored account directly, bypassing Ensure.
func (m *mockAccountStore) setTier(id int64, tier model.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.accounts[id]; ok {
		a.Tier = tier
	}
}

type sentText struct {
	Channel int64
	Text    string
}

type sentBinary struct {
	Channel int64
	Kind    model.ContentKind
	Data    []byte
	Caption string
}

type mockMessenger struct {
	mu       sync.Mutex
	texts    []sentText
	binaries []sentBinary
	fail     func(channel int64) error
}

func (m *mockMessenger) SendText(_ context.Context, channelID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(channelID); err != nil {
			return err
		}
	}
	m.texts = append(m.texts, sentText{Channel: channelID, Text: text})
	return nil
}

func (m *mockMessenger) SendBinary(_ context.Context, channelID int64, kind model.ContentKind, data []byte, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(channelID); err != nil {
			return err
		}
	}
	m.binaries = append(m.binaries, sentBinary{Channel: channelID, Kind: kind, Data: data, Caption: caption})
	return nil
}

func (m *mockMessenger) setFail(fail func(channel int64) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *mockMessenger) sentTexts() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.texts...)
}

func (m *mockMessenger) sentBinaries() []sentBinary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentBinary(nil), m.binaries...)
}

func (m *mockMessenger) totalSends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts) + len(m.binaries)
}

// mockEnvelope keeps sealed payloads in a map keyed by blob key.
type mockEnvelope struct {
	mu      sync.Mutex
	nextKey int
	blobs   map[string][]byte
	purged  []string
	sealErr error
	openErr error
}

func newMockEnvelope() *mockEnvelope {
	return &mockEnvelope{blobs: make(map[string][]byte)}
}

func (m *mockEnvelope) Seal(_ context.Context, plaintext []byte) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealErr != nil {
		return "", nil, m.sealErr
	}
	m.nextKey++
	key := fmt.Sprintf("capsules/test-%d.enc", m.nextKey)
	m.blobs[key] = append([]byte(nil), plaintext...)
	return key, []byte("wrapped-" + key), nil
}

func (m *mockEnvelope) Open(_ context.Context, blobKey string, _ []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return nil, m.openErr
	}
	data, ok := m.blobs[blobKey]
	if !ok {
		return nil, driven.ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *mockEnvelope) Purge(_ context.Context, blobKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, blobKey)
	m.purged = append(m.purged, blobKey)
	return nil
}

func (m *mockEnvelope) purgedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.purged...)
}

type mockNotices struct {
	mu   sync.Mutex
	seen map[string]int
}

func newMockNotices() *mockNotices {
	return &mockNotices{seen: make(map[string]int)}
}

func (m *mockNotices) FirstNotice(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seen[key]++
	return m.seen[key] == 1, nil
}

// --- Helpers ---

type deliveryFixture struct {
	capsules  *memCapsuleStore
	accounts  *mockAccountStore
	envelope  *mockEnvelope
	messenger *mockMessenger
	notices   *mockNotices
	delivery  *application.Delivery
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()

	f := &deliveryFixture{
		capsules:  newMemCapsuleStore(),
		accounts:  newMockAccountStore(),
		envelope:  newMockEnvelope(),
		messenger: &mockMessenger{},
		notices:   newMockNotices(),
	}
	f.delivery = application.NewDelivery(
		f.capsules, f.accounts, f.envelope, f.messenger, f.notices,
		"https://capsuled.test/activate/",
	)
	return f
}

// addOwner registers an account and returns it.
func (f *deliveryFixture) addOwner(t *testing.T, channelID int64, handle string) *model.Account {
	t.Helper()

	a, err := f.accounts.Ensure(context.Background(), channelID, handle)
	require.NoError(t, err)
	return a
}

// addTextCapsule stores a due text capsule addressed to a resolved channel.
func (f *deliveryFixture) addTextCapsule(owner *model.Account, target int64, text string) int64 {
	return f.capsules.add(model.Capsule{
		UUID:       uuid.New(),
		OwnerID:    owner.ID,
		Kind:       model.ContentText,
		InlineText: text,
		Recipient:  model.RecipientSpec{Kind: model.RecipientChannel, ChannelID: target},
		DeliverAt:  time.Now().Add(-time.Minute),
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
}

// capsuleDueIn builds a text capsule for ownerID due at now+d, addressed
// to a resolved channel.
func capsuleDueIn(ownerID int64, d time.Duration) model.Capsule {
	return model.Capsule{
		UUID:       uuid.New(),
		OwnerID:    ownerID,
		Kind:       model.ContentText,
		InlineText: "scheduled message",
		Recipient:  model.RecipientSpec{Kind: model.RecipientChannel, ChannelID: 200},
		DeliverAt:  time.Now().Add(d),
		CreatedAt:  time.Now().Add(-time.Hour),
	}
}

// --- Tests ---

func TestDelivery_TextCapsule(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")
	id := f.addTextCapsule(owner, 200, "hello from the past")

	f.delivery.Deliver(context.Background(), id)

	texts := f.messenger.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, int64(200), texts[0].Channel)
	assert.Contains(t, texts[0].Text, "hello from the past")
	assert.Contains(t, texts[0].Text, "@alice")
	assert.Contains(t, texts[0].Text, "March 1, 2026")

	got := f.capsules.get(id)
	require.NotNil(t, got)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.DeliveredAt)
	assert.Empty(t, got.InlineText)
}

func TestDelivery_SelfCapsuleHeaderOmitsSender(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")
	id := f.capsules.add(model.Capsule{
		UUID:       uuid.New(),
		OwnerID:    owner.ID,
		Kind:       model.ContentText,
		InlineText: "note to self",
		Recipient:  model.RecipientSpec{Kind: model.RecipientSelf, ChannelID: owner.ChannelID},
		DeliverAt:  time.Now().Add(-time.Minute),
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})

	f.delivery.Deliver(context.Background(), id)

	texts := f.messenger.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, owner.ChannelID, texts[0].Channel)
	assert.NotContains(t, texts[0].Text, "@")
}

func TestDelivery_BinaryCapsulePurgesAfterSend(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	blobKey, wrappedKey, err := f.envelope.Seal(context.Background(), payload)
	require.NoError(t, err)

	id := f.capsules.add(model.Capsule{
		UUID:        uuid.New(),
		OwnerID:     owner.ID,
		Kind:        model.ContentPhoto,
		BlobKey:     blobKey,
		WrappedKey:  wrappedKey,
		PayloadSize: int64(len(payload)),
		Caption:     "us, back then",
		Recipient:   model.RecipientSpec{Kind: model.RecipientChannel, ChannelID: 200},
		DeliverAt:   time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-24 * time.Hour),
	})

	f.delivery.Deliver(context.Background(), id)

	bins := f.messenger.sentBinaries()
	require.Len(t, bins, 1)
	assert.Equal(t, int64(200), bins[0].Channel)
	assert.Equal(t, model.ContentPhoto, bins[0].Kind)
	assert.Equal(t, payload, bins[0].Data)
	assert.Contains(t, bins[0].Caption, "us, back then")

	got := f.capsules.get(id)
	require.NotNil(t, got)
	assert.True(t, got.Delivered)
	assert.Empty(t, got.BlobKey)
	assert.Equal(t, []string{blobKey}, f.envelope.purgedKeys())
}

func TestDelivery_ConcurrentAttemptsSendOnce(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")
	id := f.addTextCapsule(owner, 200, "exactly once")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.delivery.Deliver(context.Background(), id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.messenger.totalSends())
	got := f.capsules.get(id)
	require.NotNil(t, got)
	assert.True(t, got.Delivered)
}

func TestDelivery_UnresolvedHandleNotifiesOwnerOnce(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")
	capsuleUUID := uuid.New()
	id := f.capsules.add(model.Capsule{
		UUID:       capsuleUUID,
		OwnerID:    owner.ID,
		Kind:       model.ContentText,
		InlineText: "for bob",
		Recipient:  model.RecipientSpec{Kind: model.RecipientHandle, Handle: "bob"},
		DeliverAt:  time.Now().Add(-time.Minute),
		CreatedAt:  time.Now().Add(-24 * time.Hour),
	})

	f.delivery.Deliver(context.Background(), id)
	f.delivery.Deliver(context.Background(), id)

	// The only message is the owner notice with the invite link; the capsule
	// itself stays pending with its payload intact.
	texts := f.messenger.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, owner.ChannelID, texts[0].Channel)
	assert.Contains(t, texts[0].Text, "@bob")
	assert.Contains(t, texts[0].Text, model.ActivationToken(capsuleUUID))

	got := f.capsules.get(id)
	require.NotNil(t, got)
	assert.False(t, got.Delivered)
	assert.Equal(t, "for bob", got.InlineText)
}

func TestDelivery_TerminalFailureKeepsPayload(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")

	payload := []byte("snapshot")
	blobKey, wrappedKey, err := f.envelope.Seal(context.Background(), payload)
	require.NoError(t, err)

	id := f.capsules.add(model.Capsule{
		UUID:        uuid.New(),
		OwnerID:     owner.ID,
		Kind:        model.ContentDocument,
		BlobKey:     blobKey,
		WrappedKey:  wrappedKey,
		PayloadSize: int64(len(payload)),
		Recipient:   model.RecipientSpec{Kind: model.RecipientChannel, ChannelID: 200},
		DeliverAt:   time.Now().Add(-time.Minute),
		CreatedAt:   time.Now().Add(-24 * time.Hour),
	})

	f.messenger.setFail(func(channel int64) error {
		if channel == 200 {
			return fmt.Errorf("channel 200: %w: status 403", driven.ErrTargetUnreachable)
		}
		return nil
	})

	f.delivery.Deliver(context.Background(), id)
	f.delivery.Deliver(context.Background(), id)

	got := f.capsules.get(id)
	require.NotNil(t, got)
	assert.False(t, got.Delivered)
	assert.Equal(t, blobKey, got.BlobKey)
	assert.Empty(t, f.envelope.purgedKeys())

	// Exactly one owner notice across both attempts.
	texts := f.messenger.sentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, owner.ChannelID, texts[0].Channel)
	assert.Contains(t, texts[0].Text, "could not be delivered")
}

func TestDelivery_TransientFailureRetriesLater(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")
	id := f.addTextCapsule(owner, 200, "keep trying")

	f.messenger.setFail(func(int64) error {
		return fmt.Errorf("unexpected status code: 500")
	})

	f.delivery.Deliver(context.Background(), id)

	got := f.capsules.get(id)
	require.NotNil(t, got)
	assert.False(t, got.Delivered)
	assert.Equal(t, 0, f.messenger.totalSends())

	// The outage clears; the next sweep attempt succeeds.
	f.messenger.setFail(nil)
	f.delivery.Deliver(context.Background(), id)

	got = f.capsules.get(id)
	require.NotNil(t, got)
	assert.True(t, got.Delivered)
	assert.Equal(t, 1, f.messenger.totalSends())
}

func TestDelivery_MissingCapsuleIsNoOp(t *testing.T) {
	f := newDeliveryFixture(t)

	f.delivery.Deliver(context.Background(), 999)

	assert.Equal(t, 0, f.messenger.totalSends())
}

func TestDelivery_AlreadyDeliveredIsNoOp(t *testing.T) {
	f := newDeliveryFixture(t)
	owner := f.addOwner(t, 100, "alice")
	id := f.addTextCapsule(owner, 200, "old news")

	won, err := f.capsules.MarkDelivered(context.Background(), id, time.Now())
	require.NoError(t, err)
	require.True(t, won)

	f.delivery.Deliver(context.Background(), id)

	assert.Equal(t, 0, f.messenger.totalSends())
}
