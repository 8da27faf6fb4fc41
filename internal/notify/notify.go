// Package notify emits hunt lifecycle events and answers the small inbound
// command set (stats, help).
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/screa/ip-hunter/internal/logger"
	"github.com/screa/ip-hunter/pkg/stats"
)

// EventType names a lifecycle event
type EventType string

const (
	Started        EventType = "started"
	Progress       EventType = "progress"
	MatchFound     EventType = "matchFound"
	FatalAuthError EventType = "fatalAuthError"
	Stalled        EventType = "stalled"
	Orphaned       EventType = "orphaned"
	Stopped        EventType = "stopped"
)

// Event is one lifecycle notification
type Event struct {
	Type    EventType
	Title   string
	Summary string
	Fields  map[string]any
	Time    time.Time
}

// Notifier delivers events. Delivery is best-effort: callers log the error and carry on.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Command is an inbound operator command
type Command int

const (
	CommandUnknown Command = iota
	CommandStats
	CommandHelp
)

// Handler answers a command with a reply. It must only read hunt state.
type Handler func(ctx context.Context, cmd Command) string

// Listener receives inbound commands until ctx is done
type Listener interface {
	Listen(ctx context.Context, h Handler) error
}

// ParseCommand recognises stats/stat/help with or without a leading slash.
// Bot suffixes like "/stats@hunterbot" are accepted.
func ParseCommand(text string) Command {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return CommandUnknown
	}
	word := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	switch word {
	case "stats", "stat":
		return CommandStats
	case "help", "start":
		return CommandHelp
	default:
		return CommandUnknown
	}
}

// HelpText lists the supported commands
func HelpText() string {
	return "<b>Commands</b>\n\n" +
		"/stats - show hunt statistics\n" +
		"/help - show this help"
}

// FormatStats renders a statistics snapshot for chat display
func FormatStats(snap stats.Snapshot, now time.Time) string {
	var b strings.Builder
	b.WriteString("<b>Statistics</b>\n\n")
	fmt.Fprintf(&b, "<b>Attempts:</b> %s\n", humanize.Comma(int64(snap.TotalAttempts)))
	fmt.Fprintf(&b, "<b>Unique addresses:</b> %s\n", humanize.Comma(int64(snap.UniqueAddresses())))
	dups := snap.Duplicates(0)
	fmt.Fprintf(&b, "<b>Addresses seen twice or more:</b> %d (%s repeats)\n", len(dups), humanize.Comma(int64(snap.DuplicateCount)))
	fmt.Fprintf(&b, "<b>Runtime:</b> %s\n", FormatRuntime(snap.Runtime(now)))
	if len(snap.Orphans) > 0 {
		fmt.Fprintf(&b, "<b>Orphaned resources:</b> %d\n", len(snap.Orphans))
	}

	if top := snap.Top(10); len(top) > 0 {
		b.WriteString("\n<b>Most frequent addresses:</b>\n")
		for _, ac := range top {
			fmt.Fprintf(&b, "  • %s: %dx\n", html.EscapeString(ac.Address), ac.Count)
		}
	}
	if len(dups) > 0 {
		fmt.Fprintf(&b, "\n<b>Repeated addresses (%d):</b>\n", len(dups))
		for _, ac := range dups[:min(len(dups), 15)] {
			fmt.Fprintf(&b, "  • %s: %dx\n", html.EscapeString(ac.Address), ac.Count)
		}
		if len(dups) > 15 {
			fmt.Fprintf(&b, "  ... and %d more\n", len(dups)-15)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatRuntime renders a duration as "3h 25m"
func FormatRuntime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}

// FormatEvent renders an event as HTML for chat delivery
func FormatEvent(e Event) string {
	var b strings.Builder
	title := e.Title
	if title == "" {
		title = string(e.Type)
	}
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(title))
	if e.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(e.Summary)
	}
	if len(e.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
			fmt.Fprintf(&b, "\n<b>%s:</b> %s", html.EscapeString(k), html.EscapeString(fmt.Sprint(e.Fields[k])))
		}
	}
	return b.String()
}

// LogNotifier writes events to the structured log
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a notifier backed by log
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, e Event) error {
	args := []any{"event", string(e.Type)}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		args = append(args, k, e.Fields[k])
	}
	switch e.Type {
	case FatalAuthError, Stalled, Orphaned:
		n.log.WarnContext(ctx, e.Title, args...)
	default:
		n.log.InfoContext(ctx, e.Title, args...)
	}
	return nil
}

// Multi fans an event out to every notifier
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
