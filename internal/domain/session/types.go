package session

import (
	"errors"
	"time"

	"github.com/GriffinCanCode/AgentOS/sandbox/internal/engine"
)

var (
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session has been terminated")
	ErrStreamClaimed     = errors.New("session stream is owned by another connection")
	ErrInvalidConfig     = errors.New("invalid container config")
	ErrNotTTY            = errors.New("session has no TTY")
)

// Mode selects how a session's stream is relayed.
type Mode string

const (
	// ModeStructured relays NDJSON agent messages from a non-TTY container.
	ModeStructured Mode = "structured"
	// ModeConsole relays raw terminal bytes from a TTY container.
	ModeConsole Mode = "console"
)

// ModeFor returns the relay mode implied by the TTY flag.
func ModeFor(tty bool) Mode {
	if tty {
		return ModeConsole
	}
	return ModeStructured
}

// Session is one unit of work bound to one sandbox container.
type Session struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"container_id,omitempty"`
	Status      Status    `json:"status"`
	Mode        Mode      `json:"mode"`
	TTY         bool      `json:"tty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserIdentity is the git identity configured inside the sandbox.
type UserIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ContainerConfig describes the sandbox to create for a session.
type ContainerConfig struct {
	SessionID  string       `json:"session_id"`
	RepoURL    string       `json:"repo_url,omitempty"`
	Branch     string       `json:"branch,omitempty"`
	BaseBranch string       `json:"base_branch,omitempty"`
	User       UserIdentity `json:"user"`
	// Secrets are passed to the container as environment variables and
	// never logged.
	Secrets     map[string]string `json:"secrets,omitempty"`
	MemoryLimit string            `json:"memory_limit,omitempty"`
	CPUShares   int64             `json:"cpu_shares,omitempty"`
	Image       string            `json:"image,omitempty"`
	// TTY fixes the framing of the attached stream for the container's life.
	TTY bool     `json:"tty"`
	Cmd []string `json:"cmd,omitempty"`
}

// Attachment is the result of creating a session. Stream stays parked in
// the manager until an owner claims it with TakeStream.
type Attachment struct {
	Session     Session
	ContainerID string
	Stream      *engine.Stream
}
