package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-gateway/pkg/call"
	"voice-gateway/pkg/config"
	gwerrors "voice-gateway/pkg/errors"
	"voice-gateway/pkg/functions"
	"voice-gateway/pkg/media"
	"voice-gateway/pkg/messaging"
	"voice-gateway/pkg/store"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var testPorts = media.NewPortManager(46000, 46400, quietLogger())

// fakeAI is a realtime provider. Every client event is decoded onto events;
// the test writes server events through the latest connection.
type fakeAI struct {
	server *httptest.Server
	events chan map[string]interface{}
	conns  chan *websocket.Conn

	mu      sync.Mutex
	headers []http.Header
	queries []string
}

func newFakeAI(t *testing.T) *fakeAI {
	f := &fakeAI{
		events: make(chan map[string]interface{}, 256),
		conns:  make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		f.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev map[string]interface{}
			if json.Unmarshal(data, &ev) == nil {
				f.events <- ev
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAI) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeAI) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("provider was never dialed")
		return nil
	}
}

// next returns the next client event of type typ, skipping others
func (f *fakeAI) next(t *testing.T, typ string) map[string]interface{} {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev["type"] == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event received", typ)
			return nil
		}
	}
}

func serverEventJSON(t *testing.T, conn *websocket.Conn, ev map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

type recordedEvent struct {
	Type string
	Data map[string]interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(eventType string, _ *call.Call, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Data: data})
}

func (r *eventRecorder) Of(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type referRecorder struct {
	mu      sync.Mutex
	targets []string
}

func (r *referRecorder) Refer(_ context.Context, key, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, key+"->"+target)
	return nil
}

func (r *referRecorder) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.targets...)
}

type testCall struct {
	*call.Call
	peer *net.UDPConn
}

func newTestCall(t *testing.T, codec media.Codec, profile *config.CallProfile) *testCall {
	t.Helper()
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	c, err := call.New(context.Background(), call.Params{
		Key: "call-" + t.Name(),
		Offer: &media.Offer{
			Address:   "127.0.0.1",
			Port:      peer.LocalAddr().(*net.UDPAddr).Port,
			Direction: media.SendRecv,
			Formats:   []media.Codec{codec},
		},
		Profile:      profile,
		DID:          profile.DID,
		Caller:       "09121234567",
		Ports:        testPorts,
		PublicIP:     "203.0.113.5",
		BindIP:       "127.0.0.1",
		QueueFrames:  100,
		OnTerminated: func(*call.Call) {},
		Logger:       quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &testCall{Call: c, peer: peer}
}

var pcma = media.Codec{Name: media.CodecPCMA, PayloadType: 8, ClockRate: 8000, Channels: 1}

type harness struct {
	ai       *fakeAI
	call     *testCall
	engine   ConversationEngine
	events   *eventRecorder
	referrer *referRecorder
}

func newHarness(t *testing.T, profile *config.CallProfile, dispatcher *functions.Dispatcher) *harness {
	t.Helper()
	ai := newFakeAI(t)
	events := &eventRecorder{}
	referrer := &referRecorder{}

	if dispatcher == nil {
		dispatcher = functions.NewDefaultDispatcher(nil, store.NewMemoryStore("test:"), quietLogger())
	}
	factory := NewFactory(Deps{
		Config: config.AIConfig{
			DefaultFlavor: FlavorOpenAI,
			URL:           ai.url(),
			APIKey:        "sk-test",
			Model:         "gpt-test",
			Voice:         "alloy",
		},
		Dispatcher: dispatcher,
		Referrer:   referrer,
		Events:     events,
		Logger:     quietLogger(),
	})

	c := newTestCall(t, pcma, profile)
	engine, err := factory.New(c.Call)
	require.NoError(t, err)
	c.AttachAI(engine)

	return &harness{ai: ai, call: c, engine: engine, events: events, referrer: referrer}
}

func (h *harness) start(t *testing.T) *websocket.Conn {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	return h.ai.conn(t)
}

func TestSessionUpdateDescribesCallAndTenant(t *testing.T) {
	h := newHarness(t, &config.CallProfile{
		DID:                "02191000000",
		Instructions:       "answer in Persian",
		Tools:              []string{"create_order", "end_call"},
		VADThreshold:       0.7,
		VADSilenceDuration: 800 * time.Millisecond,
	}, nil)
	h.start(t)

	update := h.ai.next(t, typeSessionUpdate)
	assert.NotEmpty(t, update["event_id"])

	session := update["session"].(map[string]interface{})
	assert.Equal(t, formatG711Alaw, session["input_audio_format"])
	assert.Equal(t, formatG711Alaw, session["output_audio_format"])
	assert.Equal(t, "answer in Persian", session["instructions"])
	assert.Equal(t, "alloy", session["voice"])
	assert.Nil(t, session["input_audio_transcription"])

	vad := session["turn_detection"].(map[string]interface{})
	assert.Equal(t, "server_vad", vad["type"])
	assert.Equal(t, 0.7, vad["threshold"])
	assert.Equal(t, float64(300), vad["prefix_padding_ms"])
	assert.Equal(t, float64(800), vad["silence_duration_ms"])
	assert.Equal(t, false, vad["create_response"])

	tools := session["tools"].([]interface{})
	require.Len(t, tools, 2)
	assert.Equal(t, "create_order", tools[0].(map[string]interface{})["name"])
	assert.Equal(t, "function", tools[0].(map[string]interface{})["type"])

	h.ai.mu.Lock()
	defer h.ai.mu.Unlock()
	assert.Equal(t, "Bearer sk-test", h.ai.headers[0].Get("Authorization"))
	assert.Equal(t, "realtime=v1", h.ai.headers[0].Get("OpenAI-Beta"))
	assert.Equal(t, "model=gpt-test", h.ai.queries[0])
}

func TestGreetingRequestedWhenConfigured(t *testing.T) {
	h := newHarness(t, &config.CallProfile{Greeting: "سلام، خوش آمدید"}, nil)
	h.start(t)

	h.ai.next(t, typeSessionUpdate)
	greeting := h.ai.next(t, typeResponseCreate)
	response := greeting["response"].(map[string]interface{})
	assert.Contains(t, response["instructions"], "سلام، خوش آمدید")
}

func TestUserTurnCreatesItemAndResponse(t *testing.T) {
	h := newHarness(t, &config.CallProfile{}, nil)
	h.start(t)
	h.ai.next(t, typeSessionUpdate)

	require.NoError(t, h.engine.SendUserTurn("  سفارش من یک کباب "))
	require.NoError(t, h.engine.SendUserTurn("   "))

	item := h.ai.next(t, typeItemCreate)["item"].(map[string]interface{})
	assert.Equal(t, "message", item["type"])
	assert.Equal(t, "user", item["role"])
	content := item["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "input_text", content["type"])
	assert.Equal(t, "سفارش من یک کباب", content["text"])
	h.ai.next(t, typeResponseCreate)

	turns := h.events.Of(messaging.EventTranscript)
	require.Len(t, turns, 1)
	assert.Equal(t, "caller", turns[0].Data["role"])
}

func TestAudioDeltaReachesCaller(t *testing.T) {
	h := newHarness(t, &config.CallProfile{}, nil)
	conn := h.start(t)
	h.ai.next(t, typeSessionUpdate)

	speech := make([]byte, 480)
	for i := range speech {
		speech[i] = 0x2A
	}
	serverEventJSON(t, conn, map[string]interface{}{"type": eventResponseCreated})
	serverEventJSON(t, conn, map[string]interface{}{
		"type":  eventAudioDelta,
		"delta": base64.StdEncoding.EncodeToString(speech),
	})
	serverEventJSON(t, conn, map[string]interface{}{"type": eventAudioDone})

	buf := make([]byte, media.MaxPacketSize)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.call.peer.SetReadDeadline(deadline)
		n, _, err := h.call.peer.ReadFromUDP(buf)
		require.NoError(t, err)
		pkt, err := media.ParsePacket(buf[:n])
		require.NoError(t, err)
		if len(pkt.Payload) > 0 && pkt.Payload[0] == 0x2A {
			assert.Len(t, pkt.Payload, 160)
			return
		}
	}
	t.Fatal("response audio never reached the caller")
}

func TestFunctionCallRoundTrip(t *testing.T) {
	dispatcher := functions.NewDispatcher(quietLogger())
	dispatcher.Register(functions.Tool{
		Spec: functions.ToolSpec{Name: "check_hours"},
		Handler: func(_ context.Context, fc functions.FunctionCall) (functions.Result, error) {
			return functions.Result{Success: true, Message: "open until 23:00 for " + fc.Caller}, nil
		},
	})
	h := newHarness(t, &config.CallProfile{}, dispatcher)
	conn := h.start(t)
	h.ai.next(t, typeSessionUpdate)

	serverEventJSON(t, conn, map[string]interface{}{
		"type":      eventFunctionCallDone,
		"call_id":   "call_abc",
		"name":      "check_hours",
		"arguments": "{}",
	})

	item := h.ai.next(t, typeItemCreate)["item"].(map[string]interface{})
	assert.Equal(t, itemFunctionCallOutput, item["type"])
	assert.Equal(t, "call_abc", item["call_id"])

	var output map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(item["output"].(string)), &output))
	assert.Equal(t, true, output["success"])
	assert.Equal(t, "open until 23:00 for 09121234567", output["message"])

	h.ai.next(t, typeResponseCreate)

	require.Eventually(t, func() bool {
		return len(h.events.Of(messaging.EventToolExecuted)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "check_hours", h.events.Of(messaging.EventToolExecuted)[0].Data["tool"])
}

func TestFailedToolCallIsReportedNotFatal(t *testing.T) {
	h := newHarness(t, &config.CallProfile{}, nil)
	conn := h.start(t)
	h.ai.next(t, typeSessionUpdate)

	serverEventJSON(t, conn, map[string]interface{}{
		"type":      eventFunctionCallDone,
		"call_id":   "call_1",
		"name":      "create_order",
		"arguments": `{"items":[]}`,
	})

	item := h.ai.next(t, typeItemCreate)["item"].(map[string]interface{})
	var output map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(item["output"].(string)), &output))
	assert.Equal(t, false, output["success"])
	assert.Equal(t, "order must contain at least one item", output["message"])

	h.ai.next(t, typeResponseCreate)
	assert.False(t, h.call.Terminated())
}

func TestEndCallTerminatesCall(t *testing.T) {
	h := newHarness(t, &config.CallProfile{}, nil)
	conn := h.start(t)
	h.ai.next(t, typeSessionUpdate)

	serverEventJSON(t, conn, map[string]interface{}{
		"type":      eventFunctionCallDone,
		"call_id":   "call_bye",
		"name":      "end_call",
		"arguments": `{"reason":"order placed"}`,
	})

	item := h.ai.next(t, typeItemCreate)["item"].(map[string]interface{})
	assert.Equal(t, "call_bye", item["call_id"])
	require.Eventually(t, h.call.Terminated, time.Second, 10*time.Millisecond)
}

func TestTransferCallSendsRefer(t *testing.T) {
	h := newHarness(t, &config.CallProfile{TransferTarget: "sip:operator@203.0.113.9"}, nil)
	conn := h.start(t)
	h.ai.next(t, typeSessionUpdate)

	serverEventJSON(t, conn, map[string]interface{}{
		"type":      eventFunctionCallDone,
		"call_id":   "call_xfer",
		"name":      "transfer_call",
		"arguments": "{}",
	})

	h.ai.next(t, typeItemCreate)
	assert.Equal(t, []string{h.call.Key() + "->sip:operator@203.0.113.9"}, h.referrer.Targets())
	assert.False(t, h.call.Terminated())
}

func TestAudioIgnoredUntilTranscriptionEnabled(t *testing.T) {
	h := newHarness(t, &config.CallProfile{}, nil)
	h.start(t)
	h.ai.next(t, typeSessionUpdate)

	pcm := make([]byte, 640)
	require.NoError(t, h.engine.AppendAudio(pcm))

	require.NoError(t, h.engine.EnableTranscription())
	update := h.ai.next(t, typeSessionUpdate)
	session := update["session"].(map[string]interface{})
	assert.Equal(t, transcriptionModel, session["input_audio_transcription"].(map[string]interface{})["model"])
	assert.Equal(t, true, session["turn_detection"].(map[string]interface{})["create_response"])

	require.NoError(t, h.engine.AppendAudio(pcm))
	appended := h.ai.next(t, typeInputAudioAppend)
	audio, err := base64.StdEncoding.DecodeString(appended["audio"].(string))
	require.NoError(t, err)
	// 20 ms of 16 kHz PCM becomes 160 A-law bytes
	assert.Len(t, audio, 160)
}

func TestReconnectResendsSessionUpdate(t *testing.T) {
	h := newHarness(t, &config.CallProfile{}, nil)
	h.engine.(*Session).deps.Config.ReconnectAttempts = 2

	first := h.start(t)
	h.ai.next(t, typeSessionUpdate)
	first.Close()

	h.ai.conn(t)
	h.ai.next(t, typeSessionUpdate)
	assert.False(t, h.call.Terminated())
}

func TestStartFailsWhenProviderUnreachable(t *testing.T) {
	factory := NewFactory(Deps{
		Config: config.AIConfig{URL: "ws://127.0.0.1:1/realtime", ConnectTimeout: 200 * time.Millisecond},
		Logger: quietLogger(),
	})
	c := newTestCall(t, pcma, &config.CallProfile{Flavor: FlavorOpenAI})
	engine, err := factory.New(c.Call)
	require.NoError(t, err)

	err = engine.Start(context.Background())
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.ErrBridgeFailure))
	assert.NoError(t, engine.Close())
}

func TestFactoryFlavors(t *testing.T) {
	factory := NewFactory(Deps{Config: config.AIConfig{URL: "wss://api.example.com/v1/realtime"}, Logger: quietLogger()})

	c := newTestCall(t, pcma, &config.CallProfile{Flavor: "watson"})
	_, err := factory.New(c.Call)
	require.Error(t, err)
	assert.True(t, gwerrors.Is(err, gwerrors.ErrUnknownFlavor))

	azure := newTestCall(t, pcma, &config.CallProfile{Flavor: "Azure"})
	_, err = factory.New(azure.Call)
	require.Error(t, err, "azure without an endpoint")
}

func TestAzureEndpoint(t *testing.T) {
	endpoint, err := azureEndpoint(config.AIConfig{
		AzureURL: "wss://gw.openai.azure.com/openai/realtime",
		APIKey:   "az-key",
		Model:    "gpt-4o-realtime",
	}, &config.CallProfile{})
	require.NoError(t, err)
	assert.Equal(t, "az-key", endpoint.Header.Get("api-key"))
	assert.Empty(t, endpoint.Header.Get("Authorization"))
	assert.Contains(t, endpoint.URL, "api-version="+defaultAzureAPIVersion)
	assert.Contains(t, endpoint.URL, "deployment=gpt-4o-realtime")

	endpoint, err = azureEndpoint(config.AIConfig{
		AzureURL: "wss://gw.openai.azure.com/openai/realtime?api-version=2025-04-01-preview",
	}, &config.CallProfile{Model: "tenant-deployment"})
	require.NoError(t, err)
	assert.Contains(t, endpoint.URL, "api-version=2025-04-01-preview")
	assert.Contains(t, endpoint.URL, "deployment=tenant-deployment")
}

func TestAudioFormatFollowsCodec(t *testing.T) {
	assert.Equal(t, formatG711Alaw, audioFormatFor(pcma))
	assert.Equal(t, formatG711Ulaw, audioFormatFor(media.Codec{Name: "pcmu", ClockRate: 8000}))
	assert.Equal(t, formatPCM16, audioFormatFor(media.Codec{Name: media.CodecOpus, ClockRate: 48000}))
}
