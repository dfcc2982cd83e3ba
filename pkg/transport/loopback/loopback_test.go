//go:build test

package loopback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/pkg/transport"
	"github.com/srg/gattlink/pkg/transport/loopback"
	"github.com/stretchr/testify/suite"
)

type LoopbackTestSuite struct {
	suite.Suite

	fabric     *loopback.Fabric
	central    *loopback.Host
	peripheral *loopback.Host
}

func (s *LoopbackTestSuite) SetupTest() {
	s.fabric = loopback.NewFabric(loopback.DefaultOptions(), nil)

	var err error
	s.central, err = s.fabric.NewHost("11:22:33:44:55:66")
	s.Require().NoError(err)
	s.peripheral, err = s.fabric.NewHost("AA:BB:CC:DD:EE:FF")
	s.Require().NoError(err)
}

func (s *LoopbackTestSuite) TestAdvertisingState() {
	// GOAL: Verify advertising enable/disable report "already in state" errors
	//
	// TEST SCENARIO: Toggle advertising twice in each direction → second toggle fails with state error

	s.Require().NoError(s.peripheral.EnableAdvertising())
	err := s.peripheral.EnableAdvertising()
	s.Assert().ErrorIs(err, transport.ErrAdvertisingEnabled, "second enable MUST report already enabled")
	s.Assert().True(transport.IsAdvertisingState(err))
	s.Assert().True(s.peripheral.IsAdvertising())

	s.Require().NoError(s.peripheral.DisableAdvertising())
	err = s.peripheral.DisableAdvertising()
	s.Assert().ErrorIs(err, transport.ErrAdvertisingDisabled, "second disable MUST report already disabled")
	s.Assert().False(s.peripheral.IsAdvertising())
}

func (s *LoopbackTestSuite) TestDuplicateHost() {
	_, err := s.fabric.NewHost("aa:bb:cc:dd:ee:ff")
	s.Assert().Error(err, "attaching the same address twice MUST fail")
}

func (s *LoopbackTestSuite) TestScan() {
	s.Run("reports advertising hosts once without duplicates", func() {
		// GOAL: Verify the scanner reports each advertising peer once when duplicates are filtered
		//
		// TEST SCENARIO: Peripheral advertises with a name → scan for a while → exactly one report with the name

		s.Require().NoError(s.peripheral.SetAdvertisingData(transport.AdvertisingData{
			LocalName: "Thermo",
			Services:  []ble.UUID{ble.UUID16(0x180F)},
		}))
		s.Require().NoError(s.peripheral.EnableAdvertising())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		var reports []transport.Advertisement
		err := s.central.Scan(ctx, false, func(adv transport.Advertisement) {
			reports = append(reports, adv)
		})

		s.Require().NoError(err)
		s.Require().Len(reports, 1, "MUST report the peer exactly once")
		s.Assert().Equal("aa:bb:cc:dd:ee:ff", reports[0].Addr.String())
		s.Assert().Equal("Thermo", reports[0].LocalName)
		s.Assert().Equal(-42, reports[0].RSSI)
		s.Assert().False(reports[0].Connectable, "MUST not be connectable without a listener")
	})

	s.Run("silent hosts are not reported", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_ = s.peripheral.DisableAdvertising()
		count := 0
		s.Require().NoError(s.central.Scan(ctx, true, func(transport.Advertisement) { count++ }))
		s.Assert().Zero(count, "non-advertising host MUST stay invisible")
	})
}

func (s *LoopbackTestSuite) TestDialAndExchange() {
	// GOAL: Verify a dialed link carries whole frames in both directions and closes on both ends
	//
	// TEST SCENARIO: Listen + advertise → dial → exchange frames → close → both sides see ErrClosed

	l, err := s.peripheral.Listen()
	s.Require().NoError(err)
	defer l.Close()
	s.Require().NoError(s.peripheral.EnableAdvertising())

	var (
		server transport.Channel
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		server, _ = l.Accept()
	}()

	client, err := s.central.Dial(context.Background(), s.peripheral.Addr())
	s.Require().NoError(err)
	wg.Wait()
	s.Require().NotNil(server)
	s.Assert().Equal(2, s.fabric.LinkCount())

	s.Require().NoError(client.Send([]byte{0x0A, 0x03, 0x00}))
	s.Require().NoError(client.Send([]byte{0x52}))

	got, err := server.Receive()
	s.Require().NoError(err)
	s.Assert().Equal([]byte{0x0A, 0x03, 0x00}, got, "first frame MUST arrive intact")
	got, err = server.Receive()
	s.Require().NoError(err)
	s.Assert().Equal([]byte{0x52}, got, "second frame MUST arrive intact")

	s.Require().NoError(server.Send([]byte{0x0B, 0x55}))
	got, err = client.Receive()
	s.Require().NoError(err)
	s.Assert().Equal([]byte{0x0B, 0x55}, got)

	s.Assert().Equal("aa:bb:cc:dd:ee:ff", client.RemoteAddr().String())
	s.Assert().Equal("11:22:33:44:55:66", server.RemoteAddr().String())

	s.Require().NoError(client.Close())
	_, err = server.Receive()
	s.Assert().ErrorIs(err, transport.ErrClosed, "remote MUST observe the close")
	s.Assert().ErrorIs(server.Send([]byte{0x01}), transport.ErrClosed)
	s.Assert().Zero(s.fabric.LinkCount())
}

func (s *LoopbackTestSuite) TestDialFailures() {
	s.Run("unknown address", func() {
		_, err := s.central.Dial(context.Background(), ble.NewAddr("00:00:00:00:00:01"))
		s.Assert().ErrorIs(err, transport.ErrUnreachable)
	})

	s.Run("not advertising", func() {
		l, err := s.peripheral.Listen()
		s.Require().NoError(err)
		defer l.Close()

		_, err = s.central.Dial(context.Background(), s.peripheral.Addr())
		s.Assert().ErrorIs(err, transport.ErrUnreachable)
	})

	s.Run("nobody accepts before deadline", func() {
		l, err := s.peripheral.Listen()
		s.Require().NoError(err)
		defer l.Close()
		_ = s.peripheral.EnableAdvertising()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = s.central.Dial(ctx, s.peripheral.Addr())
		s.Assert().ErrorIs(err, context.DeadlineExceeded)
	})

	s.Run("second listener", func() {
		l, err := s.peripheral.Listen()
		s.Require().NoError(err)
		defer l.Close()

		_, err = s.peripheral.Listen()
		s.Assert().ErrorIs(err, transport.ErrAlreadyListening)
	})
}

func (s *LoopbackTestSuite) TestSever() {
	// GOAL: Verify Sever drops an established link like a radio loss
	//
	// TEST SCENARIO: Establish link → sever → blocked Receive returns ErrClosed

	l, err := s.peripheral.Listen()
	s.Require().NoError(err)
	defer l.Close()
	s.Require().NoError(s.peripheral.EnableAdvertising())

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, _ := l.Accept()
		accepted <- ch
	}()
	client, err := s.central.Dial(context.Background(), s.peripheral.Addr())
	s.Require().NoError(err)
	<-accepted

	errs := make(chan error, 1)
	go func() {
		_, err := client.Receive()
		errs <- err
	}()

	s.Assert().Equal(2, s.fabric.Sever("11:22:33:44:55:66", "aa:bb:cc:dd:ee:ff"))
	select {
	case err := <-errs:
		s.Assert().ErrorIs(err, transport.ErrClosed)
	case <-time.After(time.Second):
		s.Fail("Receive MUST unblock after sever")
	}
}

func (s *LoopbackTestSuite) TestDisableAdvertisingOnConnect() {
	opts := loopback.DefaultOptions()
	opts.DisableAdvertisingOnConnect = true
	fabric := loopback.NewFabric(opts, nil)
	central, _ := fabric.NewHost("01:01:01:01:01:01")
	peripheral, _ := fabric.NewHost("02:02:02:02:02:02")

	l, err := peripheral.Listen()
	s.Require().NoError(err)
	defer l.Close()
	s.Require().NoError(peripheral.EnableAdvertising())

	go func() { _, _ = l.Accept() }()
	_, err = central.Dial(context.Background(), peripheral.Addr())
	s.Require().NoError(err)
	s.Assert().False(peripheral.IsAdvertising(), "advertising MUST stop once connected")
}

func (s *LoopbackTestSuite) TestFullPipeBlocksSender() {
	// GOAL: Verify a full pipe holds the sender back instead of failing the link
	//
	// TEST SCENARIO: 64-byte pipe → fill with frames → next Send blocks → Receive frees space → Send completes → close releases a blocked sender

	opts := loopback.DefaultOptions()
	opts.PipeCapacity = 64
	fabric := loopback.NewFabric(opts, nil)
	central, _ := fabric.NewHost("01:01:01:01:01:01")
	peripheral, _ := fabric.NewHost("02:02:02:02:02:02")

	l, err := peripheral.Listen()
	s.Require().NoError(err)
	defer l.Close()
	s.Require().NoError(peripheral.EnableAdvertising())

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, _ := l.Accept()
		accepted <- ch
	}()
	client, err := central.Dial(context.Background(), peripheral.Addr())
	s.Require().NoError(err)
	server := <-accepted
	s.Require().NotNil(server)

	frame := make([]byte, 14)
	for i := 0; i < 4; i++ {
		s.Require().NoError(client.Send(frame), "frames within capacity MUST be accepted")
	}

	sent := make(chan error, 1)
	go func() { sent <- client.Send(frame) }()
	select {
	case err := <-sent:
		s.Failf("Send on a full pipe MUST block", "returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = server.Receive()
	s.Require().NoError(err)
	select {
	case err := <-sent:
		s.Assert().NoError(err, "Send MUST complete once the reader frees space")
	case <-time.After(time.Second):
		s.Fail("Send MUST unblock after Receive")
	}

	go func() { sent <- client.Send(frame) }()
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(client.Close())
	select {
	case err := <-sent:
		s.Assert().ErrorIs(err, transport.ErrClosed, "blocked Send MUST fail once the link closes")
	case <-time.After(time.Second):
		s.Fail("Close MUST release a blocked Send")
	}

	s.Assert().ErrorIs(client.Send(make([]byte, 63)), loopback.ErrFrameTooLarge,
		"frame larger than the pipe MUST be rejected")
}

func TestLoopbackTestSuite(t *testing.T) {
	suite.Run(t, new(LoopbackTestSuite))
}
