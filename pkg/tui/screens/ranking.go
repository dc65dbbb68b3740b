package screens

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pashagolub/bookvote/pkg/data"
)

// SortField selects which score orders the table
type SortField int

const (
	SortByLocal SortField = iota
	SortByGlobal
)

// rankRow is one line of the ranking table
type rankRow struct {
	Item       data.Item
	LocalRank  int // 0 without a session
	GlobalRank int
}

// RankingScreen compares the participant's ranking with everyone's
type RankingScreen struct {
	container    *tview.Flex
	rankingTable *tview.Table
	sidePanel    *tview.TextView
	feedbackForm *tview.Form
	feedback     *tview.InputField
	statusBar    *tview.TextView
	helpBar      *tview.TextView

	kind      data.ItemKind
	sortField SortField
	rows      []rankRow

	app App
}

// NewRankingScreen creates a new ranking screen instance
func NewRankingScreen() *RankingScreen {
	rs := &RankingScreen{
		container:    tview.NewFlex(),
		rankingTable: tview.NewTable(),
		sidePanel:    tview.NewTextView(),
		feedbackForm: tview.NewForm(),
		statusBar:    tview.NewTextView(),
		helpBar:      tview.NewTextView(),
		kind:         data.KindTitle,
	}
	rs.setupUI()
	rs.setupKeyBindings()
	return rs
}

func (rs *RankingScreen) setupUI() {
	rs.rankingTable.SetBorder(true).SetTitleAlign(tview.AlignLeft)
	rs.rankingTable.SetSelectable(true, false)
	rs.rankingTable.SetFixed(1, 0)

	rs.sidePanel.SetDynamicColors(true).
		SetBorder(true).
		SetTitle(" Summary ").
		SetTitleAlign(tview.AlignLeft)

	rs.feedback = tview.NewInputField().SetLabel("Feedback").SetFieldWidth(0)
	rs.feedbackForm.AddFormItem(rs.feedback).
		AddButton("Send", rs.onSendFeedback)
	rs.feedbackForm.SetBorder(true).
		SetTitle(" Tell us what you think ").
		SetTitleAlign(tview.AlignLeft)
	rs.feedbackForm.SetCancelFunc(rs.focusTable)

	rs.statusBar.SetDynamicColors(true)
	rs.helpBar.SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]Tab:Titles/Covers  O:Order  F:Feedback  N:Vote again  R:Refresh[white]")

	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rs.sidePanel, 0, 1, false).
		AddItem(rs.feedbackForm, 7, 0, false)

	main := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(rs.rankingTable, 0, 3, true).
		AddItem(side, 40, 0, false)

	rs.container.SetDirection(tview.FlexRow).
		AddItem(main, 0, 1, true).
		AddItem(rs.statusBar, 1, 0, false).
		AddItem(rs.helpBar, 1, 0, false)
}

func (rs *RankingScreen) setupKeyBindings() {
	rs.rankingTable.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyTab {
			rs.toggleKind()
			return nil
		}
		switch event.Rune() {
		case 'o', 'O':
			rs.toggleSortField()
			return nil
		case 'f', 'F':
			rs.focusFeedback()
			return nil
		case 'n', 'N':
			rs.restart()
			return nil
		case 'r', 'R':
			rs.Refresh()
			return nil
		}
		return event
	})
}

// GetPrimitive returns the main primitive for the ranking screen
func (rs *RankingScreen) GetPrimitive() tview.Primitive {
	return rs.container
}

// OnEnter loads both rankings and records that the participant saw them
func (rs *RankingScreen) OnEnter(app any) error {
	a, err := asApp(app)
	if err != nil {
		return err
	}
	rs.app = a
	rs.sortField = SortByGlobal
	if session := a.Session(); session != nil {
		rs.sortField = SortByLocal
		if session.Phase() == data.Done {
			if err := a.CompleteStep(a.Context(), data.StepRankings); err != nil && !errors.Is(err, data.ErrStepOutOfSequence) {
				return err
			}
		}
	}
	rs.Refresh()
	return nil
}

// OnExit is called when leaving the screen
func (rs *RankingScreen) OnExit(app any) error {
	return nil
}

// GetTitle returns the screen title
func (rs *RankingScreen) GetTitle() string {
	return "Rankings"
}

// Refresh reloads the rankings from the catalog
func (rs *RankingScreen) Refresh() {
	if rs.app == nil {
		return
	}
	rows, err := rs.loadRows()
	if err != nil {
		rs.updateStatus("[red]" + tview.Escape(err.Error()) + "[-]")
		return
	}
	rs.rows = rows
	rs.updateDisplay()
	rs.updateSummary()
}

// loadRows merges the session ranking with the global one
func (rs *RankingScreen) loadRows() ([]rankRow, error) {
	global, err := rs.app.Catalog().Rankings(rs.kind, data.ByGlobal, nil)
	if err != nil {
		return nil, err
	}
	globalRank := make(map[string]int, len(global))
	for i, it := range global {
		globalRank[it.ID] = i + 1
	}

	var local []data.Item
	if session := rs.app.Session(); session != nil {
		if local, err = session.Rankings(rs.kind); err != nil {
			return nil, err
		}
	}
	localRank := make(map[string]int, len(local))
	byID := make(map[string]data.Item, len(local))
	for i, it := range local {
		localRank[it.ID] = i + 1
		byID[it.ID] = it
	}

	order := global
	if local != nil && rs.sortField == SortByLocal {
		order = local
	}
	rows := make([]rankRow, len(order))
	for i, it := range order {
		if l, ok := byID[it.ID]; ok {
			it = l
		}
		rows[i] = rankRow{Item: it, LocalRank: localRank[it.ID], GlobalRank: globalRank[it.ID]}
	}
	return rows, nil
}

func (rs *RankingScreen) updateDisplay() {
	rs.rankingTable.Clear()
	order := "your ranking"
	if rs.sortField == SortByGlobal {
		order = "everyone's ranking"
	}
	rs.rankingTable.SetTitle(fmt.Sprintf(" %ss by %s ", kindLabel(rs.kind), order))

	headers := []string{"You", "Everyone", kindLabel(rs.kind), "Your score", "Score", "Votes"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetTextColor(tcell.ColorYellow).
			SetAlign(tview.AlignCenter).
			SetSelectable(false).
			SetExpansion(1)
		if col == 2 {
			cell.SetExpansion(3).SetAlign(tview.AlignLeft)
		}
		rs.rankingTable.SetCell(0, col, cell)
	}

	initial := rs.app.Catalog().Engine().InitialRating
	for i, row := range rs.rows {
		r := i + 1
		local, localScore := "-", "-"
		if row.LocalRank > 0 {
			local = strconv.Itoa(row.LocalRank)
			localScore = fmt.Sprintf("%.0f", row.Item.LocalScore)
		}
		payload := truncate(row.Item.Payload, 50)
		rs.rankingTable.SetCell(r, 0, tview.NewTableCell(local).SetAlign(tview.AlignCenter))
		rs.rankingTable.SetCell(r, 1, tview.NewTableCell(strconv.Itoa(row.GlobalRank)).SetAlign(tview.AlignCenter))
		rs.rankingTable.SetCell(r, 2, tview.NewTableCell(tview.Escape(payload)).SetExpansion(3))
		rs.rankingTable.SetCell(r, 3, tview.NewTableCell(localScore).
			SetAlign(tview.AlignCenter).
			SetTextColor(scoreColor(row.Item.LocalScore, initial)))
		rs.rankingTable.SetCell(r, 4, tview.NewTableCell(fmt.Sprintf("%.0f", row.Item.GlobalScore)).
			SetAlign(tview.AlignCenter).
			SetTextColor(scoreColor(row.Item.GlobalScore, initial)))
		rs.rankingTable.SetCell(r, 5, tview.NewTableCell(strconv.Itoa(row.Item.VoteCount)).SetAlign(tview.AlignCenter))
	}
	if len(rs.rows) > 0 {
		rs.rankingTable.Select(1, 0)
	}
	rs.updateStatus(fmt.Sprintf("[blue]%d %ss[-]", len(rs.rows), rs.kind))
}

// kindLabel is the table header for the item column
func kindLabel(k data.ItemKind) string {
	if k == data.KindCover {
		return "Cover"
	}
	return "Title"
}

// scoreColor marks scores well above or below the starting rating
func scoreColor(score, initial float64) tcell.Color {
	switch {
	case score >= initial+50:
		return tcell.ColorGreen
	case score <= initial-50:
		return tcell.ColorRed
	default:
		return tcell.ColorYellow
	}
}

func (rs *RankingScreen) updateSummary() {
	var b strings.Builder
	if user, ok := rs.app.User(); ok {
		fmt.Fprintf(&b, "Voter: [white::b]%s[-::-]\n", tview.Escape(user.Name))
	}
	if session := rs.app.Session(); session != nil {
		st := session.State()
		fmt.Fprintf(&b, "Titles compared: %d/%d\n", st.TitleRounds, st.MaxTitleRounds)
		fmt.Fprintf(&b, "Covers compared: %d/%d\n", st.CoverRounds, st.MaxCoverRounds)
	}
	stats := rs.app.Catalog().Stats()
	fmt.Fprintf(&b, "\nRound %d\n", stats.Round)
	fmt.Fprintf(&b, "Votes this round: %d\n", stats.TotalVotes)
	fmt.Fprintf(&b, "Voters: %d\n", stats.Voters)

	if top := rs.topAgreement(3); top >= 0 {
		fmt.Fprintf(&b, "\nYour top 3 share [green]%d[-] with everyone's top 3", top)
	}
	rs.sidePanel.SetText(b.String())
}

// topAgreement counts items in both the local and global top n; -1 without a session
func (rs *RankingScreen) topAgreement(n int) int {
	if rs.app.Session() == nil {
		return -1
	}
	count := 0
	for _, row := range rs.rows {
		if row.LocalRank > 0 && row.LocalRank <= n && row.GlobalRank <= n {
			count++
		}
	}
	return count
}

func (rs *RankingScreen) toggleKind() {
	if rs.kind == data.KindTitle {
		rs.kind = data.KindCover
	} else {
		rs.kind = data.KindTitle
	}
	rs.Refresh()
}

func (rs *RankingScreen) toggleSortField() {
	if rs.app == nil || rs.app.Session() == nil {
		return
	}
	if rs.sortField == SortByLocal {
		rs.sortField = SortByGlobal
	} else {
		rs.sortField = SortByLocal
	}
	rs.Refresh()
}

func (rs *RankingScreen) focusFeedback() {
	if rs.app == nil {
		return
	}
	if f, ok := rs.app.(interface{ SetFocus(tview.Primitive) }); ok {
		f.SetFocus(rs.feedback)
	}
}

func (rs *RankingScreen) focusTable() {
	if rs.app == nil {
		return
	}
	if f, ok := rs.app.(interface{ SetFocus(tview.Primitive) }); ok {
		f.SetFocus(rs.rankingTable)
	}
}

func (rs *RankingScreen) onSendFeedback() {
	if rs.app == nil {
		return
	}
	text := strings.TrimSpace(rs.feedback.GetText())
	if text == "" {
		rs.updateStatus("[yellow]Type something first[-]")
		return
	}
	if err := rs.app.SubmitFeedback(rs.app.Context(), text); err != nil {
		if errors.Is(err, data.ErrStepOutOfSequence) {
			rs.updateStatus("[yellow]Finish the comparisons before leaving feedback[-]")
			return
		}
		rs.updateStatus("[red]" + tview.Escape(err.Error()) + "[-]")
		return
	}
	rs.feedback.SetText("")
	rs.updateStatus("[green]Thanks for your feedback![-]")
	rs.focusTable()
}

func (rs *RankingScreen) restart() {
	if rs.app == nil || rs.app.Session() == nil {
		return
	}
	if err := rs.app.RestartSession(); err != nil {
		rs.updateStatus("[red]" + tview.Escape(err.Error()) + "[-]")
	}
}

func (rs *RankingScreen) updateStatus(message string) {
	rs.statusBar.SetText(message)
}
