package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ConsoleNotifier writes notifications to a terminal, one colored block per
// notification.
type ConsoleNotifier struct {
	out          io.Writer
	colorEnabled bool
	enabled      bool
	mu           sync.Mutex
}

// NewConsoleNotifier creates a ConsoleNotifier writing to out, or to the
// color-aware stdout when out is nil.
func NewConsoleNotifier(out io.Writer, colorEnabled bool) *ConsoleNotifier {
	if out == nil {
		out = color.Output
	}
	return &ConsoleNotifier{
		out:          out,
		colorEnabled: colorEnabled,
		enabled:      true,
	}
}

// SetEnabled enables or disables the notifier.
func (cn *ConsoleNotifier) SetEnabled(enabled bool) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.enabled = enabled
}

// Name returns the name of the notifier.
func (cn *ConsoleNotifier) Name() string {
	return "console"
}

// IsEnabled returns whether the notifier is enabled.
func (cn *ConsoleNotifier) IsEnabled() bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.enabled
}

// Send writes the notification. Halts and errors ring the bell.
func (cn *ConsoleNotifier) Send(ctx context.Context, n Notification) error {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if !cn.enabled {
		return nil
	}

	text := FormatNotification(n, cn.colorEnabled)
	if n.Type == NotificationHalt || n.Type == NotificationError {
		text = "\a" + text
	}
	_, err := io.WriteString(cn.out, text)
	return err
}

// FormatNotification formats a notification for terminal display.
func FormatNotification(n Notification, colorEnabled bool) string {
	var sb strings.Builder

	timestamp := n.Timestamp.UTC().Format("15:04:05")

	var label string
	var c *color.Color
	switch n.Type {
	case NotificationTrade:
		label = "TRADE"
		c = color.New(color.FgMagenta, color.Bold)
	case NotificationHalt:
		label = "HALT"
		c = color.New(color.FgRed, color.Bold)
	case NotificationError:
		label = "ERROR"
		c = color.New(color.FgRed)
	case NotificationSummary:
		label = "SUMMARY"
		c = color.New(color.FgCyan)
	default:
		label = "INFO"
		c = color.New(color.FgWhite)
	}
	if colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}

	sb.WriteString(fmt.Sprintf("[%s] %s %s\n", timestamp, c.Sprint(label), n.Title))
	for _, line := range strings.Split(n.Message, "\n") {
		if line == "" {
			continue
		}
		sb.WriteString("  ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}

var _ NotificationChannel = (*ConsoleNotifier)(nil)
