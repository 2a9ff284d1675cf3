package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicesat/internal/app"
	"github.com/MrWong99/voicesat/internal/config"
	"github.com/MrWong99/voicesat/internal/satellite"
	"github.com/MrWong99/voicesat/internal/transport/mock"
	audiomock "github.com/MrWong99/voicesat/pkg/audio/mock"
)

const kitchen = "assist_satellite.kitchen"

// conn is a scripted connection that is always up.
type conn struct {
	*mock.Conn
	closed atomic.Bool
}

func newConn() *conn {
	c := &conn{Conn: &mock.Conn{Results: map[string]json.RawMessage{
		"config/entity_registry/list": json.RawMessage(`[]`),
	}}}
	c.OnSubscribe = func(s *mock.Subscription) {
		if s.Type == "voice_satellite/run_pipeline" {
			s.Emit(map[string]any{"type": "init", "handler_id": 3})
		}
	}
	return c
}

func (c *conn) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *conn) WaitConnected(context.Context) error { return nil }
func (c *conn) Connected() bool { return !c.closed.Load() }
func (c *conn) Close() error { c.closed.Store(true); return nil }

type fetcher struct{}

func (fetcher) Resolve(u string) (string, error) { return u, nil }
func (fetcher) Fetch(context.Context, string) ([]byte, error) {
	return nil, errors.New("no media in tests")
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		HomeAssistant: config.HomeAssistantConfig{
			URL:             "http://homeassistant.local:8123",
			Token:           "token",
			SatelliteEntity: kitchen,
		},
		Audio:    config.AudioConfig{SampleRate: 16000, SendInterval: 10 * time.Millisecond},
		WakeWord: config.WakeWordConfig{Mode: config.WakeWordServer, Model: "ok_nabu", Sensitivity: "Moderately sensitive"},
		Notifications: config.NotificationsConfig{
			DisplayDuration: 5 * time.Second,
		},
	}
}

func newTestApp(t *testing.T) (*app.App, *conn, *audiomock.Source) {
	t.Helper()
	c := newConn()
	mic := &audiomock.Source{}
	a, err := app.New(t.Context(), testConfig(),
		app.WithConnection(c),
		app.WithMicrophone(mic),
		app.WithFetcher(fetcher{}),
		app.WithOutputs(app.Outputs{
			Speech:       &audiomock.Sink{},
			Notification: &audiomock.Sink{},
			Chimes:       &audiomock.Sink{},
			Media:        &audiomock.Sink{},
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, c, mic
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestApp(t)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if a.Session() == nil {
		t.Fatal("Session() returned nil")
	}
	if err := a.Session().Claim("someone-else"); !errors.Is(err, satellite.ErrOwned) {
		t.Errorf("Claim by a second owner: got %v, want ErrOwned", err)
	}
	if a.Session().Status().Listening {
		t.Error("session listening before Run")
	}
}

func TestNew_RequiresSatelliteEntity(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HomeAssistant.SatelliteEntity = ""
	_, err := app.New(t.Context(), cfg,
		app.WithConnection(newConn()),
		app.WithMicrophone(&audiomock.Source{}),
		app.WithFetcher(fetcher{}),
		app.WithOutputs(app.Outputs{
			Speech: &audiomock.Sink{}, Notification: &audiomock.Sink{}, Chimes: &audiomock.Sink{}, Media: &audiomock.Sink{},
		}),
	)
	if err == nil {
		t.Fatal("expected an error without a satellite entity")
	}
}

func TestRun_StartsListeningUntilCancelled(t *testing.T) {
	t.Parallel()

	a, c, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil) }()

	deadline := time.Now().Add(5 * time.Second)
	for !a.Session().Status().Listening {
		if time.Now().After(deadline) {
			t.Fatal("session never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := c.ActiveCount("voice_satellite/run_pipeline"); n != 1 {
		t.Errorf("active pipeline runs = %d, want 1", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if a.Session().Status().Listening {
		t.Error("session still listening after Shutdown")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
