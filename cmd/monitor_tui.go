// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// Running min/max/mean over the session's readings
type currentSummary struct {
	min, max float64
	sum      float64
	count    int
}

func (c *currentSummary) add(v float64) {
	if c.count == 0 || v < c.min {
		c.min = v
	}
	if c.count == 0 || v > c.max {
		c.max = v
	}
	c.sum += v
	c.count++
}

func (c *currentSummary) mean() float64 {
	if c.count == 0 {
		return math.NaN()
	}
	return c.sum / float64(c.count)
}

// TUI model
type monitorModel struct {
	connInfo      string
	sps           float64
	stats         *ppk2.Statistics
	started       time.Time
	spinner       spinner.Model
	readings      table.Model
	rows          []table.Row
	maxRows       int
	summary       currentSummary
	last          *readingMsg
	eventLog      []eventLogEntry
	maxLogEntries int
	lastSnapshot  ppk2.Snapshot
	ended         bool
	width         int
	height        int
	quitting      bool
}

// Messages
type monitorTickMsg time.Time
type readingMsg struct {
	at       time.Time
	combined ppk2.Combined
}
type streamEndMsg struct {
	err error
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	hours := seconds / 3600
	minutes := (seconds / 60) % 60
	seconds %= 60

	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}

	parts := []string{}
	if hours > 0 {
		parts = append(parts, unit(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, unit(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, unit(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialMonitorModel(connInfo string, sps float64, stats *ppk2.Statistics) monitorModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	readings := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 12},
			{Title: "Current", Width: 14},
			{Title: "Pins", Width: 10},
			{Title: "Samples", Width: 8},
			{Title: "Missed", Width: 7},
		}),
		table.WithHeight(8),
	)

	return monitorModel{
		connInfo:      connInfo,
		sps:           sps,
		stats:         stats,
		started:       time.Now(),
		spinner:       sp,
		readings:      readings,
		maxRows:       8,
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		monitorTickCmd(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		if m.last != nil || m.ended {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case monitorTickMsg:
		m.checkStatistics()
		return m, monitorTickCmd()

	case readingMsg:
		m.addReading(msg)

	case streamEndMsg:
		m.ended = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Stream ended: %v", msg.err), true)
		} else {
			m.addLogEntry("Stream ended", false)
		}
	}

	return m, nil
}

func (m *monitorModel) addReading(r readingMsg) {
	if m.last == nil {
		m.addLogEntry("First sample received", false)
	}
	m.last = &r
	m.summary.add(r.combined.Value)

	m.rows = append(m.rows, table.Row{
		r.at.Format("15:04:05.000"),
		ppk2.FormatCurrent(r.combined.Value),
		ppk2.FormatDigital(r.combined.Digital),
		fmt.Sprintf("%d", r.combined.Count),
		fmt.Sprintf("%d", r.combined.Missed),
	})
	if len(m.rows) > m.maxRows {
		m.rows = m.rows[len(m.rows)-m.maxRows:]
	}
	m.readings.SetRows(m.rows)
}

// checkStatistics logs counters that moved since the previous tick
func (m *monitorModel) checkStatistics() {
	snap := m.stats.Snapshot()
	prev := m.lastSnapshot
	if d := snap.Desyncs - prev.Desyncs; d > 0 {
		m.addLogEntry(fmt.Sprintf("%d resync(s), %d bytes skipped", d, snap.DesyncBytes-prev.DesyncBytes), true)
	}
	if d := snap.Overflows - prev.Overflows; d > 0 {
		m.addLogEntry(fmt.Sprintf("%d samples dropped (consumer too slow)", d), true)
	}
	if d := snap.CalibrationErrors - prev.CalibrationErrors; d > 0 {
		m.addLogEntry(fmt.Sprintf("%d samples without calibration", d), true)
	}
	m.lastSnapshot = snap
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Stopping stream...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	bigStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10")).
		Bold(true).
		Padding(0, 2)

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("PPKSTAT - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %.0f readings/s | Up %s | Press 'q' to quit",
		m.connInfo, m.sps, formatUptime(time.Since(m.started)))))
	s.WriteString("\n\n")

	// Live reading
	if m.last == nil {
		if m.ended {
			s.WriteString(errorStyle.Render("No samples received"))
		} else {
			s.WriteString(m.spinner.View() + warningStyle.Render(" Waiting for samples..."))
		}
		s.WriteString("\n\n")
	} else {
		live := strings.Builder{}
		live.WriteString(bigStyle.Render(ppk2.FormatCurrent(m.last.combined.Value)))
		live.WriteString("\n")
		live.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("Min:"), valueStyle.Render(ppk2.FormatCurrent(m.summary.min)),
			labelStyle.Render("Max:"), valueStyle.Render(ppk2.FormatCurrent(m.summary.max)),
			labelStyle.Render("Avg:"), valueStyle.Render(ppk2.FormatCurrent(m.summary.mean())),
		))
		live.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("Pins D0-D7:"), valueStyle.Render(ppk2.FormatDigital(m.last.combined.Digital))))
		s.WriteString(boxStyle.Render(live.String()))
		s.WriteString("\n\n")
	}

	// Statistics
	snap := m.stats.Snapshot()
	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		labelStyle.Render("Samples:"), valueStyle.Render(fmt.Sprintf("%d", snap.Samples)),
		labelStyle.Render("Rate:"), valueStyle.Render(fmt.Sprintf("%.0f samples/s", snap.SampleRate)),
	))

	errCount := func(n uint64) string {
		if n > 0 {
			return errorStyle.Render(fmt.Sprintf("%d", n))
		}
		return valueStyle.Render("0")
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Dropped:"), errCount(snap.Overflows),
		labelStyle.Render("Resyncs:"), errCount(snap.Desyncs),
		labelStyle.Render("Uncalibrated:"), errCount(snap.CalibrationErrors),
	))
	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Recent readings
	s.WriteString(labelStyle.Render("Recent Readings:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.readings.View()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 30 // Reserve space for the panels above
	if logHeight < 3 {
		logHeight = 3
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
