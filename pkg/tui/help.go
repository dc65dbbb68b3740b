package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// HelpScreen lists the keyboard shortcuts and the voting flow
type HelpScreen struct {
	root     *tview.Flex
	textView *tview.TextView
	app      *App
}

// NewHelpScreen creates a new help screen
func NewHelpScreen() *HelpScreen {
	hs := &HelpScreen{
		root:     tview.NewFlex(),
		textView: tview.NewTextView(),
	}
	hs.setupLayout()
	return hs
}

// GetPrimitive returns the root primitive for this screen
func (hs *HelpScreen) GetPrimitive() tview.Primitive {
	return hs.root
}

// OnEnter is called when the help screen becomes active
func (hs *HelpScreen) OnEnter(app any) error {
	hs.app, _ = app.(*App)
	hs.textView.SetText(helpContent())
	hs.textView.ScrollToBeginning()
	return nil
}

// OnExit is called when leaving the help screen
func (hs *HelpScreen) OnExit(app any) error {
	return nil
}

// GetTitle returns the screen title
func (hs *HelpScreen) GetTitle() string {
	return "Help"
}

func (hs *HelpScreen) setupLayout() {
	hs.textView.
		SetBorder(true).
		SetTitle("Help - Book Vote").
		SetTitleAlign(tview.AlignCenter)

	hs.textView.SetWrap(true).
		SetDynamicColors(true).
		SetScrollable(true)

	hs.textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEsc || event.Rune() == 'q' || event.Rune() == 'Q' {
			if hs.app != nil {
				if err := hs.app.GoBack(); err != nil {
					hs.app.ShowError("Navigation", err)
				}
			}
			return nil
		}
		return event
	})

	hs.root.AddItem(hs.textView, 0, 1, true)
}

func helpContent() string {
	var content strings.Builder

	content.WriteString("[yellow]Book Vote[-]\n\n")
	content.WriteString("Pick the better of two book titles, then the better of two covers.\n")
	content.WriteString("Every choice moves the shared Elo scores and your personal ones.\n\n")

	content.WriteString("[green]Global Keyboard Shortcuts[-]\n")
	content.WriteString("═════════════════════════════\n")
	for _, binding := range globalKeyBindings {
		content.WriteString("[white]")
		content.WriteString(tcell.KeyNames[binding.Key])
		content.WriteString("[-]  - ")
		content.WriteString(binding.Description)
		content.WriteString("\n")
	}

	content.WriteString("\n[green]Comparisons[-]\n")
	content.WriteString("═════════════\n")
	content.WriteString("[white]1[-] / [white]←[-]   - The left item wins\n")
	content.WriteString("[white]2[-] / [white]→[-]   - The right item wins\n")
	content.WriteString("[white]Enter[-]   - Vote for the highlighted item\n")
	content.WriteString("[white]s[-]       - Show a different pair\n")

	content.WriteString("\n[green]Rankings[-]\n")
	content.WriteString("══════════\n")
	content.WriteString("[white]Tab[-]     - Switch between titles and covers\n")
	content.WriteString("[white]f[-]       - Leave feedback\n")
	content.WriteString("[white]n[-]       - Vote again with fresh personal scores\n")

	content.WriteString("\n[green]Flow[-]\n")
	content.WriteString("══════\n")
	content.WriteString("1. Enter your name and answer the short reading survey\n")
	content.WriteString("2. Compare titles until the title rounds are used up\n")
	content.WriteString("3. Compare covers the same way\n")
	content.WriteString("4. Review your ranking next to everyone's and leave feedback\n")

	content.WriteString("\n[dim]Press Esc or q to go back[-]\n")
	return content.String()
}
