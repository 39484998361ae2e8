package garage

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/iot-go-garage/pkg/fabric"
)

type sentEvent struct {
	Kind    string
	Payload interface{}
	Target  string
}

// fakeFabric records calls and lets tests fire callbacks directly.
type fakeFabric struct {
	mu sync.Mutex

	connectErr error
	attachErr  error
	subErr     error

	connected    bool
	disconnected int
	attachedAs   []string
	subscribed   []int64
	sent         []sentEvent
	topics       []fabric.Topic
	config       json.RawMessage

	onNotification func(fabric.Notification)
	onEvent        []func(fabric.PeerEvent)
	duringAttach   func()
	onConfig       []func(json.RawMessage)
	onTopics       []func([]fabric.Topic)
	onState        []func(fabric.State)
}

var _ Fabric = (*fakeFabric)(nil)

func (f *fakeFabric) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeFabric) Disconnect() {
	f.disconnected++
}

func (f *fakeFabric) AttachIdentity(_ context.Context, externalID, accessToken string) (string, error) {
	f.attachedAs = append(f.attachedAs, externalID+"/"+accessToken)
	if f.duringAttach != nil {
		f.duringAttach()
	}
	if f.attachErr != nil {
		return "", f.attachErr
	}
	return "user-1", nil
}

func (f *fakeFabric) Topics() []fabric.Topic { return f.topics }

func (f *fakeFabric) SubscribeToTopics(ids []int64) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed = append(f.subscribed, ids...)
	return nil
}

func (f *fakeFabric) SendEvent(kind string, payload interface{}, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{Kind: kind, Payload: payload, Target: target})
	return nil
}

func (f *fakeFabric) SendEventToAll(kind string, payload interface{}) error {
	return f.SendEvent(kind, payload, "")
}

func (f *fakeFabric) Configuration() json.RawMessage { return f.config }

func (f *fakeFabric) OnNotification(fn func(fabric.Notification)) { f.onNotification = fn }

func (f *fakeFabric) OnEvent(fn func(fabric.PeerEvent)) { f.onEvent = append(f.onEvent, fn) }

func (f *fakeFabric) OnConfigurationUpdated(fn func(json.RawMessage)) {
	f.onConfig = append(f.onConfig, fn)
}

func (f *fakeFabric) OnTopicListUpdated(fn func([]fabric.Topic)) { f.onTopics = append(f.onTopics, fn) }

func (f *fakeFabric) OnStateChange(fn func(fabric.State)) { f.onState = append(f.onState, fn) }

func (f *fakeFabric) fireEvent(e fabric.PeerEvent) {
	for _, fn := range f.onEvent {
		fn(e)
	}
}

func (f *fakeFabric) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

type step struct {
	line string
	err  error
}

// scriptedInput replays steps, then reports EOF forever.
type scriptedInput struct {
	steps []step
	reads int
}

func lines(tokens ...string) *scriptedInput {
	in := &scriptedInput{}
	for _, t := range tokens {
		in.steps = append(in.steps, step{line: t})
	}
	return in
}

func (s *scriptedInput) ReadLine() (string, error) {
	s.reads++
	if len(s.steps) == 0 {
		return "", io.EOF
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	return next.line, next.err
}

func newTestLogger() (*logrus.Entry, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(log), hook
}

func warnings(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

func messages(hook *test.Hook) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		out = append(out, e.Message)
	}
	return out
}

var errBoom = errors.New("boom")
