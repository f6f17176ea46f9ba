package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blemq/internal/device"
	"github.com/srg/blemq/internal/testutils"
	"github.com/srg/blemq/internal/testutils/mocks"
	"github.com/srg/blemq/pkg/config"
)

const inboundWildcard = "devices/+/in"

type HubSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	adapter *testutils.FakeAdapter
	broker  *mocks.MockBroker
	cfg     *config.Config
	hub     *hub
	cancel  context.CancelFunc
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubSuite))
}

func (s *HubSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.adapter = testutils.NewFakeAdapter().WithAdvertisements(
		device.Candidate{ID: "AA", Name: "Alpha", RSSI: -40},
		device.Candidate{ID: "BB", Name: "Bravo", RSSI: -50},
		device.Candidate{ID: "CC", Name: "Charlie", RSSI: -70},
	)

	s.broker = &mocks.MockBroker{}
	s.broker.On("Subscribe", inboundWildcard, mock.Anything).Return(nil)
	s.broker.On("Unsubscribe", inboundWildcard).Return(nil)
	s.broker.On("SetOnConnectionChange", mock.Anything).Return()

	s.cfg = config.DefaultConfig()
	s.cfg.MaxDevices = 2
	s.cfg.ReconnectDelay = testutils.ShortDelay
	s.cfg.Scan.Timeout = 4 * testutils.ShortDelay
}

func (s *HubSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.hub != nil {
		_ = s.hub.shutdown()
	}
}

func (s *HubSuite) startHub() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.hub = newHub(s.cfg, s.adapter, s.broker, s.helper.Logger)
	s.Require().NoError(s.hub.start(ctx))
}

func (s *HubSuite) readyCount() int {
	return len(s.hub.manager.ReadyIDs())
}

func (s *HubSuite) TestAutoConnectFillsCapacity() {
	s.startHub()

	s.Eventually(func() bool { return s.readyCount() == 2 }, testutils.EventTimeout, testutils.PollInterval)
	s.Never(func() bool { return s.hub.manager.LiveCount() > 2 }, 4*testutils.ShortDelay, testutils.PollInterval)
	s.broker.AssertCalled(s.T(), "Subscribe", inboundWildcard, mock.Anything)
}

func (s *HubSuite) TestNotificationReachesBroker() {
	s.cfg.MaxDevices = 3
	s.startHub()
	s.Eventually(func() bool { return s.readyCount() == 3 }, testutils.EventTimeout, testutils.PollInterval)

	published := make(chan struct{})
	s.broker.On("Publish", "devices/BB/out", []byte("21.5C")).Return(nil).Run(func(mock.Arguments) {
		close(published)
	}).Once()

	s.adapter.Conn("BB").Notify([]byte("21.5C"))

	select {
	case <-published:
	case <-time.After(testutils.EventTimeout):
		s.Fail("notification was not published")
	}
}

func (s *HubSuite) TestInboundMessageIsWritten() {
	s.cfg.MaxDevices = 3
	s.startHub()
	s.Eventually(func() bool { return s.readyCount() == 3 }, testutils.EventTimeout, testutils.PollInterval)

	delivered, err := s.broker.Deliver(inboundWildcard, "devices/CC/in", []byte("on"))
	s.Require().True(delivered)
	s.Require().NoError(err)

	s.Equal([][]byte{[]byte("on")}, s.adapter.Conn("CC").Written())
}

func (s *HubSuite) TestLostDeviceSlotIsRefilled() {
	s.startHub()
	s.Eventually(func() bool { return s.readyCount() == 2 }, testutils.EventTimeout, testutils.PollInterval)

	lost := s.hub.manager.ReadyIDs()[0]
	s.adapter.InjectLoss(lost)

	s.Eventually(func() bool { return s.readyCount() == 2 }, testutils.EventTimeout, testutils.PollInterval)
	s.LessOrEqual(s.hub.manager.LiveCount(), 2)
}

func (s *HubSuite) TestAdapterNotReady() {
	s.adapter.SetPowered(false)
	s.hub = newHub(s.cfg, s.adapter, s.broker, s.helper.Logger)

	err := s.hub.start(context.Background())
	s.ErrorIs(err, device.ErrAdapterNotReady)
	s.broker.AssertCalled(s.T(), "Unsubscribe", inboundWildcard)
}

func (s *HubSuite) TestPermissionDenied() {
	s.hub = newHub(s.cfg, s.adapter, s.broker, s.helper.Logger)
	s.hub.setPermissionChecker(func() bool { return false })

	s.ErrorIs(s.hub.start(context.Background()), device.ErrPermissionDenied)
	s.ErrorIs(s.hub.manager.Connect(context.Background(), "AA"), device.ErrPermissionDenied)
	s.Zero(s.adapter.ConnectCalls("AA"))
}

func (s *HubSuite) TestShutdownReleasesDevices() {
	s.startHub()
	s.Eventually(func() bool { return s.readyCount() == 2 }, testutils.EventTimeout, testutils.PollInterval)
	ids := s.hub.manager.ReadyIDs()

	s.Require().NoError(s.hub.shutdown())
	s.hub = nil

	for _, id := range ids {
		s.True(s.adapter.Conn(id).Closed(), "device %s must be disconnected", id)
	}
	s.broker.AssertCalled(s.T(), "Unsubscribe", inboundWildcard)
	s.Eventually(func() bool { return !s.adapter.IsScanning() }, time.Second, testutils.PollInterval)
}
