package screens

import (
	"errors"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/tui/components"
)

// ComparisonScreen shows one pair at a time and records the participant's pick
type ComparisonScreen struct {
	container    *tview.Flex
	leftPanel    *tview.Flex
	rightPanel   *tview.Flex
	cards        *components.PairCards
	controlPanel *tview.TextView
	progress     *components.Progress
	statusBar    *tview.TextView

	kind data.ItemKind
	app  App
}

// NewComparisonScreen creates a new comparison screen instance
func NewComparisonScreen() *ComparisonScreen {
	cs := &ComparisonScreen{
		container:    tview.NewFlex(),
		leftPanel:    tview.NewFlex(),
		rightPanel:   tview.NewFlex(),
		controlPanel: tview.NewTextView(),
		statusBar:    tview.NewTextView(),
		progress:     components.NewProgress(components.DefaultProgressConfig()),
	}
	cs.cards = components.NewPairCardsWithConfig(components.PairCardsConfig{
		HighlightColor: tcell.ColorYellow,
		NormalColor:    tcell.ColorWhite,
		ShowScores:     true,
		OnSelect:       cs.vote,
	})
	cs.setupUI()
	return cs
}

func (cs *ComparisonScreen) setupUI() {
	cs.leftPanel.SetDirection(tview.FlexRow).
		SetBorder(true).
		SetTitle("Which one do you prefer?").
		SetBorderColor(tcell.ColorBlue)
	cs.leftPanel.AddItem(cs.cards.GetPrimitive(), 0, 1, true)

	cs.controlPanel.SetBorder(true).SetTitle("Instructions")
	cs.controlPanel.SetWordWrap(true)
	cs.controlPanel.SetDynamicColors(true)

	cs.statusBar.SetBorder(true).SetTitle("Status")
	cs.statusBar.SetDynamicColors(true)
	cs.statusBar.SetWordWrap(true)

	cs.rightPanel.SetDirection(tview.FlexRow).
		SetBorder(true).
		SetTitle("Progress").
		SetBorderColor(tcell.ColorGreen)
	cs.rightPanel.
		AddItem(cs.controlPanel, 0, 1, false).
		AddItem(cs.progress.GetContainer(), 9, 0, false).
		AddItem(cs.statusBar, 5, 0, false)

	cs.container.SetDirection(tview.FlexColumn).
		AddItem(cs.leftPanel, 0, 3, true).
		AddItem(cs.rightPanel, 0, 1, false)
	cs.container.SetInputCapture(cs.handleInput)
}

// GetPrimitive returns the root primitive for this screen
func (cs *ComparisonScreen) GetPrimitive() tview.Primitive {
	return cs.container
}

// OnEnter draws the next pair of the session
func (cs *ComparisonScreen) OnEnter(app any) error {
	a, err := asApp(app)
	if err != nil {
		return err
	}
	if a.Session() == nil {
		return errors.New("register before voting")
	}
	cs.app = a
	cs.loadNextPair()
	return nil
}

// OnExit is called when leaving the screen
func (cs *ComparisonScreen) OnExit(app any) error {
	return nil
}

// GetTitle returns the screen title
func (cs *ComparisonScreen) GetTitle() string {
	if cs.kind == data.KindCover {
		return "Compare covers"
	}
	return "Compare titles"
}

func (cs *ComparisonScreen) handleInput(event *tcell.EventKey) *tcell.EventKey {
	if cs.app == nil {
		return event
	}
	session := cs.app.Session()
	switch {
	case event.Key() == tcell.KeyEnter && session != nil && session.Phase() == data.Done:
		if err := cs.app.ShowRanking(); err != nil {
			cs.app.ShowError("Navigation", err)
		}
		return nil
	case event.Key() == tcell.KeyRune && (event.Rune() == 's' || event.Rune() == 'S'):
		cs.loadNextPair()
		cs.updateStatus("[::d]Skipped, here is another pair[::-]")
		return nil
	}
	return event
}

// loadNextPair shows a fresh random pair for the session's phase
func (cs *ComparisonScreen) loadNextPair() {
	session := cs.app.Session()
	state := session.State()
	cs.progress.Update(state)

	kind, ok := state.Phase.Kind()
	if !ok {
		cs.showCompletion()
		return
	}
	cs.kind = kind
	cs.updateInstructions()

	a, b, ok, err := session.NextPair(kind)
	if err != nil {
		cs.cards.Clear("")
		cs.updateStatus("[red]" + tview.Escape(err.Error()) + "[-]")
		return
	}
	if !ok {
		cs.cards.Clear(fmt.Sprintf("There are not enough %ss to compare yet.", kind))
		cs.updateStatus("[yellow]Waiting for more items, press s to retry[-]")
		return
	}
	cs.cards.SetPair(a, b)
}

// vote records the outcome picked on the cards
func (cs *ComparisonScreen) vote(winner, loser data.Item) {
	if cs.app == nil {
		return
	}
	res, err := cs.app.RecordVote(cs.app.Context(), cs.kind, winner.ID, loser.ID)
	if err != nil {
		if errors.Is(err, data.ErrRoundClosed) {
			cs.updateStatus("[yellow]A new round just started, vote again[-]")
		} else {
			cs.updateStatus("[red]Vote failed: " + tview.Escape(err.Error()) + "[-]")
		}
		cs.loadNextPair()
		return
	}

	cs.updateStatus(fmt.Sprintf("[green]%s[-] beats %s\nYour score %.0f, everyone's %.0f",
		tview.Escape(truncate(winner.Payload, 40)), tview.Escape(truncate(loser.Payload, 40)),
		res.Scores.WinnerLocal, res.Scores.WinnerGlobal))
	if res.PhaseChanged && res.Phase == data.CoverPhase {
		cs.updateStatus("[green]Titles done![-] Now pick the covers you like best.")
	}
	cs.loadNextPair()
}

func (cs *ComparisonScreen) showCompletion() {
	cs.cards.Clear("All comparisons done, thank you!\n\nPress Enter to see the rankings.")
	cs.controlPanel.SetText("[green]Finished[-]\n\nEnter: rankings")
}

func (cs *ComparisonScreen) updateInstructions() {
	cs.controlPanel.SetText(fmt.Sprintf(
		"Pick the %s you like more.\n\n[yellow]1[-] / [yellow]2[-]  choose\n[yellow]← →[-]  move\n[yellow]Enter[-]  choose highlighted\n[yellow]s[-]  skip pair",
		cs.kind))
}

func (cs *ComparisonScreen) updateStatus(message string) {
	cs.statusBar.SetText(message)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
