package history

import (
	"fmt"
	"time"
)

// Command is the plaintext record of one shell command. It only leaves the device encrypted.
type Command struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Duration  int64      `json:"duration"`
	Exit      int64      `json:"exit"`
	Command   string     `json:"command"`
	Cwd       string     `json:"cwd"`
	Session   string     `json:"session"`
	Hostname  string     `json:"hostname"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// CommandConfig describes the inputs required to capture a command.
type CommandConfig struct {
	Timestamp time.Time
	Duration  time.Duration
	Exit      int64
	Command   string
	Cwd       string
	Session   string
	Hostname  string
}

// NewCommand assigns an id and normalizes the timestamp to UTC.
func NewCommand(ids IDProvider, cfg CommandConfig) (Command, error) {
	if cfg.Command == "" {
		return Command{}, fmt.Errorf("history: empty command")
	}
	timestamp, err := NewTimestamp(cfg.Timestamp)
	if err != nil {
		return Command{}, err
	}
	id, err := ids.NewID()
	if err != nil {
		return Command{}, fmt.Errorf("history: id generation failed: %w", err)
	}
	hostname, err := NewHostname(cfg.Hostname)
	if err != nil {
		return Command{}, err
	}
	return Command{
		ID:        id,
		Timestamp: timestamp,
		Duration:  cfg.Duration.Nanoseconds(),
		Exit:      cfg.Exit,
		Command:   cfg.Command,
		Cwd:       cfg.Cwd,
		Session:   cfg.Session,
		Hostname:  hostname,
	}, nil
}
