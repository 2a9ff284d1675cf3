package health

import (
	"testing"

	"github.com/MrWong99/voicesat/internal/pipeline"
	"github.com/MrWong99/voicesat/internal/satellite"
)

type connector bool

func (c connector) Connected() bool { return bool(c) }

type status satellite.Status

func (s status) Status() satellite.Status { return satellite.Status(s) }

func TestConnection(t *testing.T) {
	if err := Connection(connector(true)).Check(t.Context()); err != nil {
		t.Errorf("connected: %v", err)
	}
	if err := Connection(connector(false)).Check(t.Context()); err == nil {
		t.Error("disconnected: want error")
	}
}

func TestSatellite(t *testing.T) {
	tests := []struct {
		name    string
		st      satellite.Status
		wantMic bool
		wantWW  bool
	}{
		{"healthy server mode", satellite.Status{Listening: true, State: pipeline.Listening}, true, true},
		{"not listening", satellite.Status{}, false, true},
		{"unavailable", satellite.Status{Listening: true, Unavailable: true, State: pipeline.Error}, false, true},
		{"on device loaded", satellite.Status{Listening: true, OnDevice: true, ModelLoaded: true}, true, true},
		{"on device not loaded", satellite.Status{Listening: true, OnDevice: true}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := Satellite(status(tt.st))
			if len(checks) != 2 {
				t.Fatalf("got %d checkers, want 2", len(checks))
			}
			if err := checks[0].Check(t.Context()); (err == nil) != tt.wantMic {
				t.Errorf("%s: err = %v, want ok=%v", checks[0].Name, err, tt.wantMic)
			}
			if err := checks[1].Check(t.Context()); (err == nil) != tt.wantWW {
				t.Errorf("%s: err = %v, want ok=%v", checks[1].Name, err, tt.wantWW)
			}
		})
	}
}

func TestSatellite_OnlyWakeWordDegrades(t *testing.T) {
	for _, c := range Satellite(status(satellite.Status{})) {
		want := c.Name == "wake_word"
		if c.Degraded != want {
			t.Errorf("%s: Degraded = %v, want %v", c.Name, c.Degraded, want)
		}
	}
	if Connection(connector(true)).Degraded {
		t.Error("home_assistant check must be required")
	}
}
