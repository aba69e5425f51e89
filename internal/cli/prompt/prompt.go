// Package prompt handles interactive prompts with no-prompt mode support.
// It provides conflict selection and side-picking for terminals where the
// full-screen picker is unavailable or disabled.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"todosync/internal/store"
)

// Sentinel errors for prompt operations.
var (
	ErrSelectionCancelled = errors.New("selection cancelled")
	ErrNoPromptMode       = errors.New("interactive prompts disabled (--no-prompt / -y)")
	ErrNoConflicts        = errors.New("no pending conflicts")
)

// ConflictRow is what the prompts display for one pending conflict.
type ConflictRow struct {
	ID          string
	LocalTitle  string
	RemoteTitle string
	CreatedAt   time.Time
}

// ConflictSelector prompts the user to pick one pending conflict.
type ConflictSelector struct {
	Conflicts []ConflictRow
	Reader    io.Reader
	Writer    io.Writer
	NoPrompt  bool

	scanner *bufio.Scanner
}

// NewSession builds a selector and a resolution prompt over one shared
// scanner. Sharing it keeps lines the first prompt buffered from being lost
// before the second prompt reads.
func NewSession(r io.Reader, w io.Writer, noPrompt bool, conflicts []ConflictRow) (*ConflictSelector, *ResolutionPrompt) {
	scanner := bufio.NewScanner(r)
	selector := &ConflictSelector{
		Conflicts: conflicts,
		Reader:    r,
		Writer:    w,
		NoPrompt:  noPrompt,
		scanner:   scanner,
	}
	resolution := &ResolutionPrompt{
		Reader:   r,
		Writer:   w,
		NoPrompt: noPrompt,
		scanner:  scanner,
	}
	return selector, resolution
}

func (s *ConflictSelector) scan() *bufio.Scanner {
	if s.scanner == nil {
		s.scanner = bufio.NewScanner(s.Reader)
	}
	return s.scanner
}

// Run executes the conflict selection prompt.
// If NoPrompt is true, returns ErrNoPromptMode.
// If there is exactly one conflict, auto-selects it.
func (s *ConflictSelector) Run() (*ConflictRow, error) {
	if s.NoPrompt {
		return nil, ErrNoPromptMode
	}

	if len(s.Conflicts) == 0 {
		return nil, ErrNoConflicts
	}

	writer := s.Writer
	if writer == nil {
		writer = io.Discard
	}

	if len(s.Conflicts) == 1 {
		_, _ = fmt.Fprintf(writer, "Auto-selected: %s\n", formatConflictLine(s.Conflicts[0]))
		return &s.Conflicts[0], nil
	}

	_, _ = fmt.Fprintf(writer, "Pending conflicts (%d):\n", len(s.Conflicts))
	for i, c := range s.Conflicts {
		_, _ = fmt.Fprintf(writer, "  %d) %s\n", i+1, formatConflictLine(c))
	}

	_, _ = fmt.Fprint(writer, "Select (0 to cancel): ")

	scanner := s.scan()
	if !scanner.Scan() {
		return nil, ErrSelectionCancelled
	}

	input := strings.TrimSpace(scanner.Text())
	num, err := strconv.Atoi(input)
	if err != nil {
		return nil, fmt.Errorf("invalid selection: %s", input)
	}

	if num == 0 {
		return nil, ErrSelectionCancelled
	}

	if num < 1 || num > len(s.Conflicts) {
		return nil, fmt.Errorf("selection out of range: %d", num)
	}

	return &s.Conflicts[num-1], nil
}

// formatConflictLine formats one conflict for display, showing the remote
// title too when the two sides have diverged on it.
func formatConflictLine(c ConflictRow) string {
	title := c.LocalTitle
	if title == "" {
		title = c.RemoteTitle
	}
	if title == "" {
		title = "(task deleted locally)"
	}

	var meta []string
	if !c.CreatedAt.IsZero() {
		meta = append(meta, fmt.Sprintf("detected %s", c.CreatedAt.Local().Format("2006-01-02 15:04")))
	}
	if c.RemoteTitle != "" && c.RemoteTitle != c.LocalTitle {
		meta = append(meta, fmt.Sprintf("remote: %s", c.RemoteTitle))
	}

	if len(meta) == 0 {
		return title
	}
	return fmt.Sprintf("%s [%s]", title, strings.Join(meta, ", "))
}

// ResolutionPrompt asks which side of a conflict wins.
type ResolutionPrompt struct {
	Reader   io.Reader
	Writer   io.Writer
	NoPrompt bool

	scanner *bufio.Scanner
}

func (p *ResolutionPrompt) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.Reader)
	}
	return p.scanner
}

// Run prompts until it reads local, remote, or a cancel.
// Accepts "l"/"local" and "r"/"remote"; "q" or empty input cancels.
func (p *ResolutionPrompt) Run(c ConflictRow) (store.Resolution, error) {
	if p.NoPrompt {
		return "", ErrNoPromptMode
	}

	writer := p.Writer
	if writer == nil {
		writer = io.Discard
	}

	_, _ = fmt.Fprintf(writer, "Conflict: %s\n", formatConflictLine(c))
	if c.LocalTitle != "" {
		_, _ = fmt.Fprintf(writer, "  local:  %s\n", c.LocalTitle)
	}
	if c.RemoteTitle != "" {
		_, _ = fmt.Fprintf(writer, "  remote: %s\n", c.RemoteTitle)
	}

	scanner := p.scan()
	for {
		_, _ = fmt.Fprint(writer, "Keep which side? (l)ocal / (r)emote / (q)uit: ")
		if !scanner.Scan() {
			return "", ErrSelectionCancelled
		}

		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "l", "local":
			return store.ResolutionLocal, nil
		case "r", "remote":
			return store.ResolutionRemote, nil
		case "q", "quit", "":
			return "", ErrSelectionCancelled
		default:
			_, _ = fmt.Fprintln(writer, "Enter l, r, or q.")
		}
	}
}
