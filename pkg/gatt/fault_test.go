//go:build test

package gatt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

var errLinkDown = errors.New("link down")

// mockChannel is a transport.Channel whose Receive blocks until Close.
type mockChannel struct {
	mock.Mock

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockChannel() *mockChannel {
	return &mockChannel{closed: make(chan struct{})}
}

func (m *mockChannel) Send(pdu []byte) error {
	return m.Called(pdu).Error(0)
}

func (m *mockChannel) Receive() ([]byte, error) {
	<-m.closed
	return nil, errLinkDown
}

func (m *mockChannel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return m.Called().Error(0)
}

func (m *mockChannel) LocalAddr() ble.Addr {
	return m.Called().Get(0).(ble.Addr)
}

func (m *mockChannel) RemoteAddr() ble.Addr {
	return m.Called().Get(0).(ble.Addr)
}

type TransportFaultTestSuite struct {
	suite.Suite

	ch     *mockChannel
	failed chan error
	client *ClientConnection
}

func (s *TransportFaultTestSuite) SetupTest() {
	s.ch = newMockChannel()
	s.ch.On("RemoteAddr").Return(ble.NewAddr("aa:bb:cc:dd:ee:ff"))
	s.ch.On("LocalAddr").Return(ble.NewAddr("11:22:33:44:55:66")).Maybe()
	s.ch.On("Close").Return(nil)

	s.failed = make(chan error, 1)
	s.client = NewClientConnection(s.ch, ClientOptions{
		OnError: func(_ *ClientConnection, err error) { s.failed <- err },
	})
}

func (s *TransportFaultTestSuite) TearDownTest() {
	s.client.Stop()
}

func (s *TransportFaultTestSuite) TestSendFailureCompletesPendingRequest() {
	// GOAL: Verify a send error fails the in-flight request instead of waiting for the timeout
	//
	// TEST SCENARIO: Channel rejects every PDU → DiscoverServices returns TransportError{send} → OnError fires once → connection stopped

	s.ch.On("Send", mock.Anything).Return(errLinkDown).Once()

	start := time.Now()
	_, err := s.client.DiscoverServices(nil, 5*time.Second)

	var terr *TransportError
	s.Require().ErrorAs(err, &terr, "send failure MUST surface as a transport error")
	s.Equal("send", terr.Op)
	s.ErrorIs(err, errLinkDown, "transport cause MUST be preserved")
	s.Less(time.Since(start), time.Second, "request MUST NOT wait for its timeout")

	select {
	case reported := <-s.failed:
		s.ErrorIs(reported, errLinkDown)
	case <-time.After(time.Second):
		s.Fail("OnError MUST be invoked")
	}

	s.Equal(StateStopped, s.client.State())
	s.ch.AssertCalled(s.T(), "Close")
	s.ch.AssertNumberOfCalls(s.T(), "Send", 1)
}

func (s *TransportFaultTestSuite) TestRequestsAfterFailure() {
	s.ch.On("Send", mock.Anything).Return(errLinkDown).Once()

	_, _ = s.client.DiscoverServices(nil, time.Second)
	<-s.client.Done()

	_, err := s.client.ExchangeMTU(time.Second)
	s.ErrorIs(err, ErrNotRunning, "stopped connection MUST reject new requests")
	s.ErrorIs(err, ErrDisconnected)
	s.ch.AssertNumberOfCalls(s.T(), "Send", 1)
}

func TestTransportFaultTestSuite(t *testing.T) {
	suite.Run(t, new(TransportFaultTestSuite))
}
