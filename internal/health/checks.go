package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voicesat/internal/satellite"
)

// Connector reports the state of the backend connection.
type Connector interface {
	Connected() bool
}

// StatusSource reports the state of a satellite.
type StatusSource interface {
	Status() satellite.Status
}

// Connection fails while the Home Assistant connection is down.
func Connection(c Connector) Checker {
	return Checker{
		Name: "home_assistant",
		Check: func(context.Context) error {
			if !c.Connected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// Satellite returns the microphone and wake-word checks for s. A missing
// on-device model only degrades the satellite, which falls back to server
// detection.
func Satellite(s StatusSource) []Checker {
	return []Checker{
		{
			Name: "microphone",
			Check: func(context.Context) error {
				st := s.Status()
				if !st.Listening {
					return errors.New("not listening")
				}
				if st.Unavailable {
					return fmt.Errorf("pipeline unavailable in state %s", st.State)
				}
				return nil
			},
		},
		{
			Name:     "wake_word",
			Degraded: true,
			Check: func(context.Context) error {
				st := s.Status()
				if st.OnDevice && !st.ModelLoaded {
					return errors.New("on-device model not loaded")
				}
				return nil
			},
		},
	}
}
