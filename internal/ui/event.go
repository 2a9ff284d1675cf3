// Package ui defines what the satellite tells its surfaces.
//
// A surface is anything that renders satellite state: the bundled console
// logger, the HTTP event stream, a test recorder. Surfaces never own
// transport or audio; they register with a [Broadcaster] and receive
// [Event] values.
package ui

// Event is the sum type of everything a surface can be told. The unexported
// marker method keeps the set closed to this package.
type Event interface {
	uiEvent()
}

// BarMode is the state of the status bar.
type BarMode int

const (
	// BarHidden shows nothing.
	BarHidden BarMode = iota
	// BarNormal shows the state-driven bar.
	BarNormal
	// BarError shows the persistent unavailable or muted indicator.
	BarError
	// BarFlash shows a transient failed-turn indicator that clears itself.
	BarFlash
)

func (m BarMode) String() string {
	switch m {
	case BarHidden:
		return "hidden"
	case BarNormal:
		return "normal"
	case BarError:
		return "error"
	case BarFlash:
		return "flash"
	default:
		return "unknown"
	}
}

// BlurReason names who asked for the interaction overlay.
type BlurReason string

const (
	BlurPipeline     BlurReason = "pipeline"
	BlurAnnouncement BlurReason = "announcement"
	BlurTimer        BlurReason = "timer"
)

// StartReason tells the user why listening needs a manual start.
type StartReason string

const (
	StartNeedsGesture StartReason = "not-allowed"
	StartNoDevice     StartReason = "not-found"
	StartDeviceBusy   StartReason = "not-readable"
	StartDisplaced    StartReason = "displaced"
)

// StateChanged reports a turn state transition.
type StateChanged struct {
	State       string
	Unavailable bool
	TTSPlaying  bool
}

// Bar changes the status bar.
type Bar struct {
	Mode BarMode
}

// Blur shows or hides the interaction overlay.
type Blur struct {
	Reason BlurReason
	Shown  bool
}

// Transcript is the recognised user utterance.
type Transcript struct {
	Text string
}

// Response is assistant text. Partial responses are streamed deltas
// accumulated so far.
type Response struct {
	Text    string
	Partial bool
}

// ChatCleared removes transcript and response text.
type ChatCleared struct{}

// Notification shows an announcement, question or conversation prompt.
type Notification struct {
	ID      int
	Kind    string
	Message string
}

// NotificationCleared removes the notification text.
type NotificationCleared struct{}

// AnswerResult reports whether a spoken answer matched.
type AnswerResult struct {
	Matched bool
}

// StartRequired asks the user to start listening manually.
type StartRequired struct {
	Reason StartReason
}

// Timers replaces the list of running timers.
type Timers struct {
	Timers []TimerView
}

// TimerView is one timer as a surface shows it.
type TimerView struct {
	ID          string
	Name        string
	SecondsLeft int
	Total       int
}

// TimerAlert starts or stops the finished-timer alert.
type TimerAlert struct {
	Name    string
	Ringing bool
}

func (StateChanged) uiEvent()        {}
func (Bar) uiEvent()                 {}
func (Blur) uiEvent()                {}
func (Transcript) uiEvent()          {}
func (Response) uiEvent()            {}
func (ChatCleared) uiEvent()         {}
func (Notification) uiEvent()        {}
func (NotificationCleared) uiEvent() {}
func (AnswerResult) uiEvent()        {}
func (StartRequired) uiEvent()       {}
func (Timers) uiEvent()              {}
func (TimerAlert) uiEvent()          {}
