package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-cache-sync/internal/pipeline"
	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-cache-sync/pkg/intent"
	"github.com/tinywideclouds/go-cache-sync/pkg/present"
	"github.com/tinywideclouds/go-cache-sync/pkg/registry"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Typed Mocks ---

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Deliver(ctx context.Context, tokens []string, cmd present.Command) (string, []string, error) {
	args := m.Called(ctx, tokens, cmd)
	return args.String(0), args.Get(1).([]string), args.Error(2)
}

type mockWebSink struct {
	mock.Mock
}

func (m *mockWebSink) Deliver(ctx context.Context, subs []notification.WebPushSubscription, cmd present.Command) (string, []notification.WebPushSubscription, error) {
	args := m.Called(ctx, subs, cmd)
	return args.String(0), args.Get(1).([]notification.WebPushSubscription), args.Error(2)
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) RegisterDevice(ctx context.Context, user urn.URN, platform registry.Platform, token string) error {
	return m.Called(ctx, user, platform, token).Error(0)
}
func (m *mockRegistry) UnregisterDevice(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}
func (m *mockRegistry) RegisterWebSubscription(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	return m.Called(ctx, user, sub).Error(0)
}
func (m *mockRegistry) UnregisterWebSubscription(ctx context.Context, endpoint string) error {
	return m.Called(ctx, endpoint).Error(0)
}
func (m *mockRegistry) Fetch(ctx context.Context, user urn.URN) (*registry.Bundle, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*registry.Bundle), args.Error(1)
}

// stubResources signals through channels so tests can wait on the
// detached refresh goroutine.
type stubResources struct {
	orderFetched  chan string
	walletFetched chan string
}

func newStubResources() *stubResources {
	return &stubResources{
		orderFetched:  make(chan string, 4),
		walletFetched: make(chan string, 4),
	}
}

func (s *stubResources) FetchProfile(_ context.Context, _ urn.URN) (readmodel.Profile, error) {
	return readmodel.Profile{}, nil
}
func (s *stubResources) FetchListings(_ context.Context, _ urn.URN) ([]readmodel.Listing, error) {
	return nil, nil
}
func (s *stubResources) FetchShowcases(_ context.Context, _ urn.URN) ([]readmodel.Showcase, error) {
	return nil, nil
}
func (s *stubResources) FetchAvailabilities(_ context.Context, _ urn.URN) ([]readmodel.Availability, error) {
	return nil, nil
}
func (s *stubResources) FetchReviews(_ context.Context, _ urn.URN) ([]readmodel.Review, error) {
	return nil, nil
}
func (s *stubResources) FetchWallet(_ context.Context, pro urn.URN) (readmodel.WalletSnapshot, error) {
	s.walletFetched <- pro.String()
	return readmodel.WalletSnapshot{BalanceMinor: 1000}, nil
}
func (s *stubResources) FetchOrderPayments(_ context.Context, orderID string) (readmodel.OrderPayments, error) {
	s.orderFetched <- orderID
	return readmodel.OrderPayments{OrderID: orderID, Settled: true}, nil
}

func awaitFetch(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache refresh")
		return ""
	}
}

type dispatcherFixture struct {
	resources *stubResources
	devices   *mockRegistry
	fcm       *mockSink
	apns      *mockSink
	web       *mockWebSink
	d         *pipeline.Dispatcher
}

func newDispatcherFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		resources: newStubResources(),
		devices:   new(mockRegistry),
		fcm:       new(mockSink),
		apns:      new(mockSink),
		web:       new(mockWebSink),
	}
	caches := readmodel.NewContainer(f.resources, readmodel.DefaultTTLs())
	f.d = pipeline.NewDispatcher(caches, f.devices, f.fcm, f.apns, f.web, 5*time.Second, newTestLogger())
	return f
}

func paymentEnvelope(t *testing.T, msgID string) *pipeline.Envelope {
	t.Helper()
	recipient, err := urn.Parse("urn:sm:user:carol")
	require.NoError(t, err)
	return &pipeline.Envelope{
		MessageID: msgID,
		Recipient: recipient,
		Intent:    intent.PaymentSuccess{OrderID: "order-42", Amount: 9900},
	}
}

func TestDispatcher_PaymentSuccess(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	env := paymentEnvelope(t, "msg-pay-1")

	f.devices.On("Fetch", mock.Anything, env.Recipient).
		Return(&registry.Bundle{User: env.Recipient, FCMTokens: []string{"fcm-abc"}}, nil)

	f.fcm.On("Deliver", mock.Anything, []string{"fcm-abc"}, mock.MatchedBy(func(cmd present.Command) bool {
		return cmd.Kind == present.KindToast &&
			cmd.Toast.Event == present.ToastPaymentSuccess &&
			cmd.Toast.OrderID == "order-42"
	})).Return("success:1", []string{}, nil)

	err := f.d.Process(ctx, env)
	require.NoError(t, err)

	// The refresh runs detached from the message; wait for it.
	assert.Equal(t, "order-42", awaitFetch(t, f.resources.orderFetched))
	f.fcm.AssertExpectations(t)
	f.devices.AssertExpectations(t)
}

func TestDispatcher_WalletUpdateRefreshesRecipientWallet(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	recipient, err := urn.Parse("urn:sm:user:dora")
	require.NoError(t, err)

	env := &pipeline.Envelope{
		MessageID: "msg-wallet-1",
		Recipient: recipient,
		Intent:    intent.WalletUpdate{Kind: intent.WalletCommission, Amount: 500},
	}

	f.devices.On("Fetch", mock.Anything, recipient).
		Return(&registry.Bundle{User: recipient, APNSTokens: []string{"apns-1"}}, nil)
	f.apns.On("Deliver", mock.Anything, []string{"apns-1"}, mock.MatchedBy(func(cmd present.Command) bool {
		return cmd.Kind == present.KindToast && cmd.Toast.WalletKind == "commission"
	})).Return("success:1", []string{}, nil)

	require.NoError(t, f.d.Process(ctx, env))

	assert.Equal(t, recipient.String(), awaitFetch(t, f.resources.walletFetched))
	f.apns.AssertExpectations(t)
}

func TestDispatcher_EmptyBundleDropsSilently(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	recipient, err := urn.Parse("urn:sm:user:ghost")
	require.NoError(t, err)

	env := &pipeline.Envelope{
		MessageID: "msg-drop-1",
		Recipient: recipient,
		Intent:    intent.Generic{Title: "Hi", Body: "Passive"},
	}

	// No permission means no channels; the presentation is dropped
	// without error and no sink is touched.
	f.devices.On("Fetch", mock.Anything, recipient).Return(&registry.Bundle{User: recipient}, nil)

	require.NoError(t, f.d.Process(ctx, env))

	f.fcm.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
	f.apns.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
	f.web.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatcher_SelfHealingCleanup(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	recipient, err := urn.Parse("urn:sm:user:erin")
	require.NoError(t, err)

	badSub := notification.WebPushSubscription{Endpoint: "https://dead.endpoint"}
	env := &pipeline.Envelope{
		MessageID: "msg-heal-1",
		Recipient: recipient,
		Intent:    intent.Announcement{Category: "offer", Title: "Sale"},
	}

	f.devices.On("Fetch", mock.Anything, recipient).Return(&registry.Bundle{
		User:             recipient,
		FCMTokens:        []string{"good", "stale"},
		WebSubscriptions: []notification.WebPushSubscription{badSub},
	}, nil)

	f.fcm.On("Deliver", mock.Anything, []string{"good", "stale"}, mock.Anything).
		Return("success:1", []string{"stale"}, nil)
	f.web.On("Deliver", mock.Anything, mock.Anything, mock.Anything).
		Return("invalid:1", []notification.WebPushSubscription{badSub}, nil)

	f.devices.On("UnregisterDevice", mock.Anything, "stale").Return(nil)
	f.devices.On("UnregisterWebSubscription", mock.Anything, badSub.Endpoint).Return(nil)

	require.NoError(t, f.d.Process(ctx, env))

	f.devices.AssertExpectations(t)
}

func TestDispatcher_DuplicateMessageAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	env := paymentEnvelope(t, "msg-dup-1")

	f.devices.On("Fetch", mock.Anything, env.Recipient).
		Return(&registry.Bundle{User: env.Recipient, FCMTokens: []string{"fcm-1"}}, nil).Once()
	f.fcm.On("Deliver", mock.Anything, mock.Anything, mock.Anything).
		Return("success:1", []string{}, nil).Once()

	require.NoError(t, f.d.Process(ctx, env))
	awaitFetch(t, f.resources.orderFetched)

	// Redelivery of the same broker message is acked without effects.
	require.NoError(t, f.d.Process(ctx, env))

	f.fcm.AssertExpectations(t)
	f.devices.AssertExpectations(t)
	assert.Empty(t, f.resources.orderFetched)
}

func TestDispatcher_RegistryFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	recipient, err := urn.Parse("urn:sm:user:flaky")
	require.NoError(t, err)

	env := &pipeline.Envelope{
		MessageID: "msg-retry-1",
		Recipient: recipient,
		Intent:    intent.Announcement{Category: "alert", Title: "Maintenance"},
	}

	// First delivery hits a registry outage; the error propagates so
	// the broker redelivers.
	f.devices.On("Fetch", mock.Anything, recipient).
		Return(nil, errors.New("firestore unavailable")).Once()

	err = f.d.Process(ctx, env)
	require.Error(t, err)

	// The redelivery must not be dropped as a duplicate: with the
	// registry healthy again, the presentation goes out.
	f.devices.On("Fetch", mock.Anything, recipient).
		Return(&registry.Bundle{User: recipient, FCMTokens: []string{"fcm-1"}}, nil).Once()
	f.fcm.On("Deliver", mock.Anything, []string{"fcm-1"}, mock.Anything).
		Return("success:1", []string{}, nil).Once()

	require.NoError(t, f.d.Process(ctx, env))

	f.fcm.AssertExpectations(t)
	f.devices.AssertExpectations(t)
}

func TestDispatcher_GenericWithImageShowsDialog(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	recipient, err := urn.Parse("urn:sm:user:hana")
	require.NoError(t, err)

	env := &pipeline.Envelope{
		MessageID: "msg-generic-img-1",
		Recipient: recipient,
		Intent:    intent.Generic{Title: "Look", Body: "At this", ImageURL: "https://cdn/img.png"},
	}

	f.devices.On("Fetch", mock.Anything, recipient).
		Return(&registry.Bundle{User: recipient, FCMTokens: []string{"fcm-1"}}, nil)
	f.fcm.On("Deliver", mock.Anything, mock.Anything, mock.MatchedBy(func(cmd present.Command) bool {
		return cmd.Kind == present.KindDialog && cmd.Dialog.ImageURL == "https://cdn/img.png"
	})).Return("success:1", []string{}, nil)

	require.NoError(t, f.d.Process(ctx, env))
	f.fcm.AssertExpectations(t)
}

func TestDispatcher_SinkFailureDegrades(t *testing.T) {
	ctx := context.Background()
	f := newDispatcherFixture()
	recipient, err := urn.Parse("urn:sm:user:gina")
	require.NoError(t, err)

	env := &pipeline.Envelope{
		MessageID: "msg-degrade-1",
		Recipient: recipient,
		Intent:    intent.Generic{Title: "Note", Body: "Body"},
	}

	f.devices.On("Fetch", mock.Anything, recipient).
		Return(&registry.Bundle{User: recipient, FCMTokens: []string{"fcm-1"}}, nil)
	f.fcm.On("Deliver", mock.Anything, mock.Anything, mock.MatchedBy(func(cmd present.Command) bool {
		return cmd.Kind == present.KindSystemNotification
	})).Return("", []string{}, errors.New("transport down"))

	// Delivery failures never bounce the message back to the broker.
	require.NoError(t, f.d.Process(ctx, env))
}
