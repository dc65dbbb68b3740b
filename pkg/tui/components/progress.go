package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pashagolub/bookvote/pkg/data"
)

// Progress shows how many title and cover comparisons a session has used
type Progress struct {
	container *tview.Flex
	titleBar  *tview.TextView
	coverBar  *tview.TextView
	status    *tview.TextView

	state data.SessionState
	now   func() time.Time

	borderColor tcell.Color
	textColor   tcell.Color

	onComplete func(state data.SessionState)
}

// ProgressConfig holds configuration options for the progress indicator
type ProgressConfig struct {
	TextColor   tcell.Color
	BorderColor tcell.Color
	OnComplete  func(state data.SessionState) // Called once both phases are finished
}

// DefaultProgressConfig returns the default colors
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		TextColor:   tcell.ColorWhite,
		BorderColor: tcell.ColorDarkGray,
	}
}

// NewProgress creates a new progress indicator component
func NewProgress(config ProgressConfig) *Progress {
	p := &Progress{
		container:   tview.NewFlex(),
		titleBar:    tview.NewTextView(),
		coverBar:    tview.NewTextView(),
		status:      tview.NewTextView(),
		now:         time.Now,
		textColor:   config.TextColor,
		borderColor: config.BorderColor,
		onComplete:  config.OnComplete,
	}
	if p.textColor == 0 {
		p.textColor = tcell.ColorWhite
	}
	if p.borderColor == 0 {
		p.borderColor = tcell.ColorDarkGray
	}
	p.initializeUI()
	return p
}

func (p *Progress) initializeUI() {
	for view, title := range map[*tview.TextView]string{
		p.titleBar: "Titles",
		p.coverBar: "Covers",
	} {
		view.SetBorder(true).SetTitle(title)
		view.SetBorderColor(p.borderColor)
		view.SetTextColor(p.textColor)
		view.SetDynamicColors(true)
		view.SetTextAlign(tview.AlignCenter)
	}
	p.status.SetDynamicColors(true)
	p.status.SetTextColor(p.textColor)
	p.status.SetTextAlign(tview.AlignCenter)

	p.container.SetDirection(tview.FlexRow).
		AddItem(p.titleBar, 4, 0, false).
		AddItem(p.coverBar, 4, 0, false).
		AddItem(p.status, 1, 0, false)
}

// Update redraws the bars for state
func (p *Progress) Update(state data.SessionState) {
	wasDone := p.state.Phase == data.Done && p.state.ID == state.ID
	p.state = state

	p.titleBar.SetText(phaseBar(state.TitleRounds, state.MaxTitleRounds, state.Phase == data.TitlePhase))
	p.coverBar.SetText(phaseBar(state.CoverRounds, state.MaxCoverRounds, state.Phase == data.CoverPhase))

	elapsed := formatDuration(p.now().Sub(state.CreatedAt))
	if state.Phase == data.Done {
		p.status.SetText(fmt.Sprintf("[green]Done[white] in %s", elapsed))
		if !wasDone && p.onComplete != nil {
			p.onComplete(state)
		}
		return
	}
	p.status.SetText(fmt.Sprintf("Voting for %s", elapsed))
}

// State returns the last state passed to Update
func (p *Progress) State() data.SessionState {
	return p.state
}

// GetContainer returns the root primitive
func (p *Progress) GetContainer() tview.Primitive {
	return p.container
}

func phaseBar(done, limit int, active bool) string {
	if limit <= 0 {
		return ""
	}
	progress := float64(done) / float64(limit)
	text := createProgressBar(progress, done >= limit)
	marker := ""
	if active {
		marker = " [yellow]◀[white]"
	}
	return text + fmt.Sprintf("\n[white]%d / %d%s", done, limit, marker)
}

// createProgressBar creates a visual progress bar using text characters
func createProgressBar(progress float64, isComplete bool) string {
	const barWidth = 20
	progress = min(max(progress, 0), 1)
	filledWidth := int(progress * barWidth)

	color := "[blue]"
	if isComplete {
		color = "[green]"
	}
	return color + strings.Repeat("█", filledWidth) + "[gray]" + strings.Repeat("░", barWidth-filledWidth) + "[white]"
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) - (minutes * 60)
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) - (hours * 60)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
