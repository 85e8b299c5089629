// Package format renders transcripts as plain text lines.
package format

import (
	"fmt"
	"strings"

	"pkt.systems/chaosdeck/internal/markdown"
	"pkt.systems/chaosdeck/schema"
)

const (
	// UserMarker prefixes operator entries.
	UserMarker = "> "
	// CodeFence opens and closes code entries.
	CodeFence = "```"
)

// InlineMode selects how inline markdown in text entries is printed.
type InlineMode int

const (
	// InlineRaw prints the markdown markers as they are.
	InlineRaw InlineMode = iota
	// InlineStrip removes the markers.
	InlineStrip
	// InlineANSI turns the markers into terminal styles.
	InlineANSI
)

// PlainRenderer formats transcript entries as plain text lines.
type PlainRenderer struct {
	// ShowAgents prints a header whenever the producing agent changes.
	ShowAgents bool
	Inline     InlineMode
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{ShowAgents: true}
}

// Render converts a whole transcript into lines.
func (p *PlainRenderer) Render(msgs []schema.Message) []string {
	var (
		lines []string
		agent schema.AgentName
	)
	for _, msg := range msgs {
		if msg.Type == schema.MessageStatus {
			continue
		}
		lines = append(lines, p.agentHeader(&agent, msg)...)
		lines = append(lines, p.FormatMessage(msg)...)
	}
	return lines
}

func (p *PlainRenderer) agentHeader(current *schema.AgentName, msg schema.Message) []string {
	if !p.ShowAgents || msg.Role != schema.RoleAssistant || msg.AgentID == "" || msg.AgentID == *current {
		return nil
	}
	*current = msg.AgentID
	return []string{fmt.Sprintf("-- %s --", msg.AgentID)}
}

// FormatMessage converts a single entry into lines. Status entries produce nothing.
func (p *PlainRenderer) FormatMessage(msg schema.Message) []string {
	var lines []string
	switch msg.Type {
	case schema.MessageStatus:
		return nil
	case schema.MessageCode:
		lines = formatCode(msg)
	case schema.MessageSubheader:
		lines = []string{fmt.Sprintf("== %s ==", strings.TrimSpace(msg.Content))}
	case schema.MessageTag:
		lines = []string{fmt.Sprintf("[%s]", strings.TrimSpace(msg.Content))}
	case schema.MessageIframe:
		lines = []string{fmt.Sprintf("embedded: %s", strings.TrimSpace(msg.Content))}
	default:
		lines = p.inline(splitLines(msg.Content))
	}
	if msg.Role == schema.RoleUser {
		return markLines(UserMarker, lines)
	}
	return lines
}

func (p *PlainRenderer) inline(lines []string) []string {
	var render func(string) string
	switch p.Inline {
	case InlineStrip:
		render = markdown.Plain
	case InlineANSI:
		render = markdown.ANSI
	default:
		return lines
	}
	for i, line := range lines {
		lines[i] = render(line)
	}
	return lines
}

func formatCode(msg schema.Message) []string {
	open := CodeFence + msg.Language
	if msg.Filename != "" {
		open += " " + msg.Filename
	}
	lines := []string{open}
	lines = append(lines, splitLines(strings.TrimRight(msg.Content, "\n"))...)
	return append(lines, CodeFence)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}

// Follower turns successive transcript revisions into lines printed exactly once.
// The last entry can still grow, so it is only printed once another entry follows it
// or Finish is called.
type Follower struct {
	renderer *PlainRenderer
	printed  int
	agent    schema.AgentName
}

// NewFollower returns a Follower using renderer (or a default one).
func NewFollower(renderer *PlainRenderer) *Follower {
	if renderer == nil {
		renderer = NewPlainRenderer()
	}
	return &Follower{renderer: renderer}
}

// Update returns the lines of entries that became complete in msgs.
func (f *Follower) Update(msgs []schema.Message) []string {
	return f.emit(msgs, len(msgs)-1)
}

// Finish returns the lines of every entry not printed yet.
func (f *Follower) Finish(msgs []schema.Message) []string {
	return f.emit(msgs, len(msgs))
}

// Reset forgets what was printed, for example after the transcript was replaced.
func (f *Follower) Reset() {
	f.printed = 0
	f.agent = ""
}

func (f *Follower) emit(msgs []schema.Message, upto int) []string {
	if upto < f.printed {
		// The transcript shrank (cleared or pruned for a replay).
		if len(msgs) < f.printed {
			f.printed = len(msgs)
		}
		return nil
	}
	var lines []string
	for _, msg := range msgs[f.printed:upto] {
		if msg.Type != schema.MessageStatus {
			lines = append(lines, f.renderer.agentHeader(&f.agent, msg)...)
			lines = append(lines, f.renderer.FormatMessage(msg)...)
		}
	}
	f.printed = upto
	return lines
}
