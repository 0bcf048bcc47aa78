package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/setevik/logpublisher/internal/config"
	"github.com/setevik/logpublisher/internal/platform"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completed(err error) *fakeToken {
	ch := make(chan struct{})
	close(ch)
	return &fakeToken{done: ch, err: err}
}

func pending() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTT implements the parts of mqtt.Client the transport uses.
type fakeMQTT struct {
	mqtt.Client

	opts         *mqtt.ClientOptions
	connectToken mqtt.Token
	publishToken mqtt.Token
	published    []published
}

func (f *fakeMQTT) Connect() mqtt.Token { return f.connectToken }
func (f *fakeMQTT) IsConnected() bool   { return false }
func (f *fakeMQTT) Disconnect(uint)     {}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.published = append(f.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return f.publishToken
}

func newTestClient(t *testing.T, fake *fakeMQTT) *Client {
	t.Helper()

	cfg := config.Default()
	cfg.Broker.MessagingURL = "edge.local"
	sess := &platform.Session{Token: "tok", SystemKey: "syskey"}

	return newClient(cfg, sess, func(opts *mqtt.ClientOptions) mqtt.Client {
		fake.opts = opts
		return fake
	})
}

func TestClientOptions(t *testing.T) {
	fake := &fakeMQTT{}
	newTestClient(t, fake)

	if fake.opts.Username != "tok" || fake.opts.Password != "syskey" {
		t.Errorf("credentials = %q/%q", fake.opts.Username, fake.opts.Password)
	}
	if fake.opts.KeepAlive != 30 {
		t.Errorf("keepalive = %d, want 30", fake.opts.KeepAlive)
	}
	if fake.opts.AutoReconnect {
		t.Error("auto reconnect should be disabled")
	}
	if len(fake.opts.Servers) != 1 || fake.opts.Servers[0].String() != "tcp://edge.local:1883" {
		t.Errorf("servers = %v", fake.opts.Servers)
	}
	if !strings.HasPrefix(fake.opts.ClientID, "logpublisher-") || len(fake.opts.ClientID) > 23 {
		t.Errorf("client id = %q", fake.opts.ClientID)
	}
}

func TestConnect(t *testing.T) {
	c := newTestClient(t, &fakeMQTT{connectToken: completed(nil)})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	c := newTestClient(t, &fakeMQTT{connectToken: completed(errors.New("not authorized"))})
	err := c.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not authorized") {
		t.Fatalf("Connect error = %v, want refusal", err)
	}
}

func TestConnectCancelled(t *testing.T) {
	c := newTestClient(t, &fakeMQTT{connectToken: pending()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect error = %v, want context.Canceled", err)
	}
}

func TestPublishDoesNotWait(t *testing.T) {
	fake := &fakeMQTT{publishToken: pending()}
	c := newTestClient(t, fake)

	if err := c.Publish("docker", []byte("x\ny"), 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fake.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fake.published))
	}
	got := fake.published[0]
	if got.topic != "docker" || got.qos != 0 || string(got.payload) != "x\ny" {
		t.Errorf("published = %+v", got)
	}
}

func TestPublishImmediateFailure(t *testing.T) {
	c := newTestClient(t, &fakeMQTT{publishToken: completed(errors.New("not connected"))})
	if err := c.Publish("docker", []byte("x"), 0); err == nil {
		t.Fatal("expected immediate publish error")
	}
}

func TestConnectionLost(t *testing.T) {
	fake := &fakeMQTT{}
	c := newTestClient(t, fake)

	if c.Err() != nil {
		t.Fatalf("Err before loss = %v", c.Err())
	}

	fake.opts.OnConnectionLost(fake, errors.New("EOF"))
	fake.opts.OnConnectionLost(fake, errors.New("second"))

	select {
	case <-c.Lost():
	default:
		t.Fatal("Lost channel should be closed")
	}
	if !errors.Is(c.Err(), ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrConnectionLost", c.Err())
	}
	if !strings.Contains(c.Err().Error(), "EOF") {
		t.Errorf("Err = %v, should keep the first cause", c.Err())
	}
}
