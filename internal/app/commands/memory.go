package commands

import (
	"context"
	"sync"
)

// MemorySink records commands in memory for tests and local runs.
type MemorySink struct {
	mu       sync.Mutex
	commands []Command
	fail     error
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.commands = append(s.commands, cmd)
	return nil
}

// Commands returns everything published so far.
func (s *MemorySink) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// FailWith makes every publish return err; nil restores normal operation.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}
