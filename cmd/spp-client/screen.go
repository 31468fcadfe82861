package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"bluetooth-chat/internal/attach"
	"bluetooth-chat/internal/guard"
)

// screen is the console owner of exchange tasks. A rotate replaces it with a
// fresh instance of the same type, which is what keeps its tasks attached.
// Every method runs on the UI loop.
type screen struct {
	id     int
	out    io.Writer
	button *guard.Guard
	log    []string
}

var _ attach.Owner = (*screen)(nil)

func newScreen(id int, out io.Writer, logger *slog.Logger) *screen {
	s := &screen{id: id, out: out}
	s.button = guard.New(
		guard.WithName(fmt.Sprintf("send#%d", id)),
		guard.WithLogger(logger),
		guard.WithEnableFunc(func(enabled bool) {
			state := "disabled"
			if enabled {
				state = "enabled"
			}
			fmt.Fprintf(out, "[screen %d] send button %s\n", id, state)
		}),
	)
	return s
}

func (s *screen) AppendLog(line string) {
	s.log = append(s.log, line)
	fmt.Fprintf(s.out, "[screen %d] %s\n", s.id, line)
}

func (s *screen) OperationFinished() {
	s.button.Release()
}

func (s *screen) clear() {
	s.log = nil
	fmt.Fprintf(s.out, "[screen %d] log cleared\n", s.id)
}

func (s *screen) lines() []string { return slices.Clone(s.log) }

// restore replaces the log with lines saved by a previous screen.
func (s *screen) restore(lines []string) {
	s.log = slices.Clone(lines)
	fmt.Fprintf(s.out, "[screen %d] restored %d log lines\n", s.id, len(lines))
}
