package ipc

// Commands understood by the owner session.
const (
	CommandStatus   = "status"
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandShutdown = "shutdown"
)

type Request struct {
	Command string `json:"command"`
	// Wait blocks until the command's effect completes; WaitStarted only until
	// processing begins.
	Wait        bool `json:"wait,omitempty"`
	WaitStarted bool `json:"wait_started,omitempty"`
	Gently      bool `json:"gently,omitempty"`
	Force       bool `json:"force,omitempty"`
	TimeoutMS   int  `json:"timeout_ms,omitempty"`
}

type Response struct {
	OK       bool   `json:"ok"`
	State    string `json:"state,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Version  string `json:"version,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}
