package sfu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/StageRouter/internal/domain"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, engine *fakeEngine, teardown Teardown) (*Service, *fakeEmitter) {
	t.Helper()
	emitter := &fakeEmitter{}
	svc := NewService(Options{
		Engine:            engine,
		Emitter:           emitter,
		Workers:           2,
		ConnectionsPerCPU: 1,
		Teardown:          teardown,
		WSPrefix:          "wss",
		Domain:            "node1.example.net",
		Path:              "media",
		Port:              443,
	})
	t.Cleanup(svc.Close)
	return svc, emitter
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	require.NoError(t, svc.Start(context.Background(), domain.Router{ID: "r1"}))
}

func call(t *testing.T, se *Session, method string, payload any) (any, error) {
	t.Helper()
	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	return se.Handle(context.Background(), method, raw)
}

func idOf(t *testing.T, v any) string {
	t.Helper()
	switch r := v.(type) {
	case IDReply:
		return r.ID
	case map[string]any:
		id, _ := r["id"].(string)
		return id
	}
	t.Fatalf("no id in %#v", v)
	return ""
}

func TestServeStageAnnouncesEndpoint(t *testing.T) {
	svc, emitter := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)

	svc.ServeStage(domain.ServeStage{Stage: domain.Stage{ID: "s1"}, Type: domain.BackendMediasoup, Kind: domain.KindBoth})

	require.Equal(t, []string{domain.EventStageServed}, emitter.events)
	u := emitter.last.Update
	assert.Equal(t, Announcement{URL: "wss://node1.example.net/media", Port: 443}, u["mediasoup"])
	assert.Equal(t, "r1", u["audioRouter"])
	assert.Equal(t, "r1", u["videoRouter"])
}

func TestServeStageVideoOnly(t *testing.T) {
	svc, emitter := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)

	svc.ServeStage(domain.ServeStage{Stage: domain.Stage{ID: "s1"}, Type: domain.BackendMediasoup, Kind: domain.KindVideo})
	assert.NotContains(t, emitter.last.Update, "audioRouter")
	assert.Equal(t, "r1", emitter.last.Update["videoRouter"])
}

func TestServeStageOtherTypeIgnored(t *testing.T) {
	svc, emitter := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)

	svc.ServeStage(domain.ServeStage{Stage: domain.Stage{ID: "s1"}, Type: domain.BackendOV, Kind: domain.KindAudio})
	svc.UnServeStage(domain.UnServeStage{StageID: "s1", Type: domain.BackendJammer, Kind: domain.KindAudio})
	assert.Empty(t, emitter.events)
}

func TestUnServeStageClearsOnlyItsKind(t *testing.T) {
	svc, emitter := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)

	svc.UnServeStage(domain.UnServeStage{StageID: "s1", Type: domain.BackendMediasoup, Kind: domain.KindAudio})

	require.Equal(t, []string{domain.EventStageUnServed}, emitter.events)
	u := emitter.last.Update
	assert.Contains(t, u, "audioRouter")
	assert.Nil(t, u["audioRouter"])
	assert.NotContains(t, u, "videoRouter")
	assert.NotContains(t, u, "mediasoup")
}

func TestRequestsBeforeStartAreNotReady(t *testing.T) {
	svc, _ := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	se := svc.NewSession("c1")

	for _, m := range []string{MethodGetRtpCapabilities, MethodCreateWebRtcTransport, MethodCloseConsumer} {
		_, err := call(t, se, m, nil)
		assert.ErrorIs(t, err, ErrNotReady, m)
		assert.Equal(t, "router is not ready yet", err.Error())
	}
}

func TestCreateTransportRespectsCapacity(t *testing.T) {
	svc, _ := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")

	for range 2 {
		_, err := call(t, se, MethodCreateWebRtcTransport, nil)
		require.NoError(t, err)
	}
	_, err := call(t, se, MethodCreateWebRtcTransport, nil)
	assert.ErrorIs(t, err, ErrRouterFull)
	assert.Equal(t, "router is full", err.Error())
}

func TestCreateTransportEngineErrorIsInternal(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownKeepWarm)
	startService(t, svc)
	engine.transportErr = errors.New("port bind failed")

	_, err := call(t, svc.NewSession("c1"), MethodCreateWebRtcTransport, nil)
	assert.ErrorIs(t, err, ErrInternal)

	load := svc.Load()
	assert.Equal(t, []int{0, 0}, load)
}

func TestProduceConsumeFlow(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")

	caps, err := call(t, se, MethodGetRtpCapabilities, nil)
	require.NoError(t, err)
	assert.NotNil(t, caps)

	tr, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)
	tid := idOf(t, tr)

	_, err = call(t, se, MethodConnectTransport, map[string]any{"transportId": tid, "dtlsParameters": map[string]any{"role": "client"}})
	require.NoError(t, err)

	pr, err := call(t, se, MethodCreateProducer, map[string]any{"transportId": tid, "kind": "audio", "rtpParameters": map[string]any{}})
	require.NoError(t, err)
	pid := idOf(t, pr)

	_, err = call(t, se, MethodPauseProducer, map[string]any{"producerId": pid})
	require.NoError(t, err)
	_, err = call(t, se, MethodResumeProducer, map[string]any{"producerId": pid})
	require.NoError(t, err)

	cr, err := call(t, se, MethodCreateConsumer, map[string]any{"transportId": tid, "producerId": pid, "rtpCapabilities": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, true, cr.(map[string]any)["paused"])
	cid := idOf(t, cr)

	_, err = call(t, se, MethodResumeConsumer, map[string]any{"consumerId": cid})
	require.NoError(t, err)

	tc, pc, cc := svc.Counts()
	assert.Equal(t, []int{1, 1, 1}, []int{tc, pc, cc})

	_, err = call(t, se, MethodCloseConsumer, map[string]any{"consumerId": cid})
	require.NoError(t, err)
	_, err = call(t, se, MethodCloseConsumer, map[string]any{"consumerId": cid})
	assert.ErrorIs(t, err, ErrConsumerNotFound)
}

func TestNotFoundErrors(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")

	cases := []struct {
		method  string
		payload map[string]any
		want    error
	}{
		{MethodConnectTransport, map[string]any{"transportId": "nope"}, ErrTransportNotFound},
		{MethodCloseTransport, map[string]any{"transportId": "nope"}, ErrTransportNotFound},
		{MethodCreateProducer, map[string]any{"transportId": "nope", "kind": "audio"}, ErrTransportNotFound},
		{MethodPauseProducer, map[string]any{"producerId": "nope"}, ErrProducerNotFound},
		{MethodResumeProducer, map[string]any{"producerId": "nope"}, ErrProducerNotFound},
		{MethodCloseProducer, map[string]any{"producerId": "nope"}, ErrProducerNotFound},
		{MethodCreateConsumer, map[string]any{"transportId": "nope", "producerId": "nope"}, ErrProducerNotFound},
		{MethodPauseConsumer, map[string]any{"consumerId": "nope"}, ErrConsumerNotFound},
		{MethodResumeConsumer, map[string]any{"consumerId": "nope"}, ErrConsumerNotFound},
		{MethodCloseConsumer, map[string]any{"consumerId": "nope"}, ErrConsumerNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			_, err := call(t, se, tc.method, tc.payload)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConnectFailureIsInternal(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")

	tr, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)
	engine.connectErr = errors.New("dtls mismatch")

	_, err = call(t, se, MethodConnectTransport, map[string]any{"transportId": idOf(t, tr)})
	assert.ErrorIs(t, err, ErrInternal)
}

func TestProducerEngineErrorPassesThrough(t *testing.T) {
	svc, _ := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")

	tr, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)
	_, err = call(t, se, MethodCreateProducer, map[string]any{"transportId": idOf(t, tr), "kind": "data"})
	require.Error(t, err)
	assert.Equal(t, "invalid kind", err.Error())
}

func TestUnknownMethod(t *testing.T) {
	svc, _ := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)

	_, err := call(t, svc.NewSession("c1"), "reboot", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestSessionCloseReleasesRecordedObjectsInOrder(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownKeepWarm)
	startService(t, svc)

	owner := svc.NewSession("c1")
	other := svc.NewSession("c2")

	tr, err := call(t, owner, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)
	tid := idOf(t, tr)
	pr, err := call(t, owner, MethodCreateProducer, map[string]any{"transportId": tid, "kind": "video"})
	require.NoError(t, err)
	pid := idOf(t, pr)
	cr, err := call(t, owner, MethodCreateConsumer, map[string]any{"transportId": tid, "producerId": pid})
	require.NoError(t, err)
	cid := idOf(t, cr)

	otherTr, err := call(t, other, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)

	owner.Close()

	assert.Equal(t, []string{cid, pid, tid}, engine.log.all())
	tc, pc, cc := svc.Counts()
	assert.Equal(t, []int{1, 0, 0}, []int{tc, pc, cc})
	_, ok := svc.transport(idOf(t, otherTr))
	assert.True(t, ok)

	load := svc.Load()
	assert.Equal(t, []int{0, 1}, load)

	owner.Close()
	assert.Len(t, engine.log.all(), 3)
}

func TestCloseTransportTakesItsProducersAndConsumers(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")

	tr, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)
	tid := idOf(t, tr)
	pr, err := call(t, se, MethodCreateProducer, map[string]any{"transportId": tid, "kind": "audio"})
	require.NoError(t, err)
	pid := idOf(t, pr)
	cr, err := call(t, se, MethodCreateConsumer, map[string]any{"transportId": tid, "producerId": pid})
	require.NoError(t, err)
	cid := idOf(t, cr)

	_, err = call(t, se, MethodCloseTransport, map[string]any{"transportId": tid})
	require.NoError(t, err)

	assert.Equal(t, []string{cid, pid, tid}, engine.log.all())
	tc, pc, cc := svc.Counts()
	assert.Equal(t, []int{0, 0, 0}, []int{tc, pc, cc})
	assert.Equal(t, []int{0, 0}, svc.Load())

	_, err = call(t, se, MethodPauseProducer, map[string]any{"producerId": pid})
	assert.ErrorIs(t, err, ErrProducerNotFound)
	_, err = call(t, se, MethodCloseConsumer, map[string]any{"consumerId": cid})
	assert.ErrorIs(t, err, ErrConsumerNotFound)

	other, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)
	_, err = call(t, se, MethodCreateConsumer, map[string]any{"transportId": idOf(t, other), "producerId": pid})
	assert.ErrorIs(t, err, ErrProducerNotFound)

	se.Close()
	assert.Len(t, engine.log.all(), 4)
}

func TestDisconnectKeepWarm(t *testing.T) {
	svc, _ := newTestService(t, newFakeEngine(), TeardownKeepWarm)
	startService(t, svc)
	se := svc.NewSession("c1")
	_, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)

	svc.Disconnect()

	assert.True(t, svc.Ready())
	tc, _, _ := svc.Counts()
	assert.Equal(t, 1, tc)
}

func TestDisconnectClosePoolThenReassign(t *testing.T) {
	engine := newFakeEngine()
	svc, _ := newTestService(t, engine, TeardownClosePool)
	startService(t, svc)
	se := svc.NewSession("c1")
	_, err := call(t, se, MethodCreateWebRtcTransport, nil)
	require.NoError(t, err)

	svc.Disconnect()

	assert.False(t, svc.Ready())
	tc, _, _ := svc.Counts()
	assert.Equal(t, 0, tc)
	assert.Nil(t, svc.Load())
	_, err = call(t, se, MethodGetRtpCapabilities, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	// Stale session cleanup after the pool is gone must not panic.
	se.Close()

	svc.Assign(domain.Router{ID: "r2"})
	require.Eventually(t, svc.Ready, time.Second, 5*time.Millisecond)
	assert.Len(t, engine.routers, 4)
}
