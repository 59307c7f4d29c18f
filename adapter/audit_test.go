package adapter

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/srediag/plugin-dgram/api"
	"github.com/srediag/plugin-dgram/pkg/transport"
	"github.com/srediag/plugin-dgram/pkg/transport/transporttest"
)

func newStubManager(t *testing.T, opts ...transport.Option) (*transport.Manager, *transporttest.Transport) {
	t.Helper()
	stub := transporttest.New()
	m, err := transport.New(stub, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, stub
}

type AuditAdapterTestSuite struct {
	suite.Suite
	logs  *observer.ObservedLogs
	audit *AuditAdapter
	mgr   *transport.Manager
	stub  *transporttest.Transport
}

func (s *AuditAdapterTestSuite) SetupTest() {
	core, logs := observer.New(zapcore.DebugLevel)
	s.logs = logs
	s.audit = NewAuditAdapter(zap.New(core))
	s.mgr, s.stub = newStubManager(s.T())
}

func (s *AuditAdapterTestSuite) TestAuditAdapter_LogsLifecycleAndPeers() {
	s.audit.Attach(s.mgr)
	s.Require().NoError(s.mgr.Start())
	s.Require().NoError(s.mgr.RegisterPeer("p1", "10.0.0.1", 7000))

	started := s.logs.FilterField(zap.String("event", transport.EventStarted)).All()
	s.Require().Len(started, 1)
	s.Equal(zapcore.InfoLevel, started[0].Level)
	s.Equal("audit", started[0].LoggerName)

	reg := s.logs.FilterField(zap.String("event", transport.EventPeerRegistered)).All()
	s.Require().Len(reg, 1)
	s.Equal("p1", reg[0].ContextMap()[transport.KeyPeerID])
}

func (s *AuditAdapterTestSuite) TestAuditAdapter_RecordsPayloadLengthOnly() {
	s.audit.Attach(s.mgr)
	s.Require().NoError(s.mgr.Start())
	s.stub.Enqueue(api.Packet{Data: []byte("hello"), Addr: api.Addr{Host: "10.0.0.2", Port: 7001}})
	s.Require().NoError(s.mgr.ProcessPendingEvents())

	entries := s.logs.FilterField(zap.String("event", transport.EventDatagram)).All()
	s.Require().Len(entries, 1)
	s.Equal(zapcore.DebugLevel, entries[0].Level)
	ctx := entries[0].ContextMap()
	s.EqualValues(5, ctx[transport.KeyBytes+"_len"])
	s.NotContains(ctx, transport.KeyBytes)
}

func (s *AuditAdapterTestSuite) TestAuditAdapter_SendFailureIsWarning() {
	s.stub.SendFunc = func([]byte, string, int) (bool, error) { return false, nil }
	s.audit.Attach(s.mgr)
	s.Require().NoError(s.mgr.Start())
	s.False(s.mgr.Send("p1", []byte("x"), "10.0.0.1", 7000))

	entries := s.logs.FilterField(zap.String("event", transport.EventSendError)).All()
	s.Require().Len(entries, 1)
	s.Equal(zapcore.WarnLevel, entries[0].Level)
}

func (s *AuditAdapterTestSuite) TestAuditAdapter_AttachTwiceAndDetach() {
	s.audit.Attach(s.mgr)
	s.audit.Attach(s.mgr)
	s.Require().NoError(s.mgr.RegisterPeer("p1", "10.0.0.1", 7000))
	s.Equal(1, s.logs.FilterField(zap.String("event", transport.EventPeerRegistered)).Len())

	s.audit.Detach(s.mgr)
	s.audit.Detach(s.mgr)
	s.mgr.UnregisterPeer("p1")
	s.Zero(s.logs.FilterField(zap.String("event", transport.EventPeerUnregistered)).Len())
	s.Zero(s.mgr.Statistics().Subscribers)
}

func (s *AuditAdapterTestSuite) TestAuditAdapter_LogEventValidation() {
	s.ErrorIs(s.audit.LogEvent("", nil), api.ErrInvalidArgument)
	s.NoError(s.audit.LogEvent("operator.note", map[string]interface{}{"who": "ops"}))
	s.Equal(1, s.logs.FilterField(zap.String("who", "ops")).Len())
}

func TestAuditAdapter(t *testing.T) {
	suite.Run(t, new(AuditAdapterTestSuite))
}
