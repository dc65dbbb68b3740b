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

// ReadingHabits are the survey choices offered as checkboxes
var ReadingHabits = []string{"fiction", "non-fiction", "fantasy", "crime", "romance", "science fiction"}

// SetupScreen asks for the participant's name and the reading survey
type SetupScreen struct {
	container   *tview.Flex
	form        *tview.Form
	overview    *tview.TextView
	statusBar   *tview.TextView
	nameField   *tview.InputField
	habitBoxes  []*tview.Checkbox
	otherField  *tview.InputField
	interestBox *tview.DropDown

	app App
}

// NewSetupScreen creates a new setup screen instance
func NewSetupScreen() *SetupScreen {
	ss := &SetupScreen{
		container: tview.NewFlex(),
		form:      tview.NewForm(),
		overview:  tview.NewTextView(),
		statusBar: tview.NewTextView(),
	}
	ss.setupUI()
	return ss
}

func (ss *SetupScreen) setupUI() {
	ss.nameField = tview.NewInputField().
		SetLabel("Your name").
		SetFieldWidth(40)
	ss.nameField.SetAcceptanceFunc(func(text string, _ rune) bool {
		return len([]rune(text)) <= data.MaxNameLength
	})
	ss.form.AddFormItem(ss.nameField)

	for _, habit := range ReadingHabits {
		box := tview.NewCheckbox().SetLabel("Reads " + habit)
		ss.habitBoxes = append(ss.habitBoxes, box)
		ss.form.AddFormItem(box)
	}
	ss.otherField = tview.NewInputField().
		SetLabel("Other (comma separated)").
		SetFieldWidth(40)
	ss.form.AddFormItem(ss.otherField)

	levels := make([]string, 10)
	for i := range levels {
		levels[i] = strconv.Itoa(i + 1)
	}
	ss.interestBox = tview.NewDropDown().
		SetLabel("Interest in books (1-10)").
		SetOptions(levels, nil).
		SetCurrentOption(4)
	ss.form.AddFormItem(ss.interestBox)

	ss.form.
		AddButton("Start voting", ss.onStart).
		AddButton("Clear", ss.onReset)
	ss.form.SetBorder(true).
		SetTitle("Welcome").
		SetBorderColor(tcell.ColorBlue)

	ss.overview.SetDynamicColors(true).
		SetBorder(true).
		SetTitle("Competition").
		SetBorderColor(tcell.ColorGreen)

	ss.statusBar.SetDynamicColors(true)

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(ss.overview, 0, 1, false).
		AddItem(ss.statusBar, 2, 0, false)

	ss.container.SetDirection(tview.FlexColumn).
		AddItem(ss.form, 0, 3, true).
		AddItem(right, 0, 2, false)
}

// GetPrimitive returns the root primitive for this screen
func (ss *SetupScreen) GetPrimitive() tview.Primitive {
	return ss.container
}

// OnEnter shows the current competition state
func (ss *SetupScreen) OnEnter(app any) error {
	a, err := asApp(app)
	if err != nil {
		return err
	}
	ss.app = a
	ss.updateOverview()
	if user, ok := a.User(); ok {
		ss.updateStatus(fmt.Sprintf("[yellow]Already registered as %s[-]", tview.Escape(user.Name)))
	}
	return nil
}

// OnExit is called when leaving the screen
func (ss *SetupScreen) OnExit(app any) error {
	return nil
}

// GetTitle returns the screen title
func (ss *SetupScreen) GetTitle() string {
	return "Welcome"
}

// Refresh redraws the competition overview after catalog changes
func (ss *SetupScreen) Refresh() {
	ss.updateOverview()
}

// answers collects the form values
func (ss *SetupScreen) answers() (name string, habits []string, interest int, err error) {
	name = strings.TrimSpace(ss.nameField.GetText())
	if name == "" {
		return "", nil, 0, errors.New("please enter your name")
	}
	for i, box := range ss.habitBoxes {
		if box.IsChecked() {
			habits = append(habits, ReadingHabits[i])
		}
	}
	for _, h := range strings.Split(ss.otherField.GetText(), ",") {
		if h = strings.TrimSpace(h); h != "" {
			habits = append(habits, h)
		}
	}
	index, _ := ss.interestBox.GetCurrentOption()
	return name, habits, index + 1, nil
}

func (ss *SetupScreen) onStart() {
	if ss.app == nil {
		return
	}
	if _, ok := ss.app.User(); ok {
		if err := ss.app.ShowComparison(); err != nil {
			ss.updateStatus("[red]" + tview.Escape(err.Error()) + "[-]")
		}
		return
	}

	name, habits, interest, err := ss.answers()
	if err != nil {
		ss.updateStatus("[red]" + err.Error() + "[-]")
		return
	}
	if err := ss.app.StartSession(ss.app.Context(), name, habits, interest); err != nil {
		ss.updateStatus("[red]Could not start: " + tview.Escape(err.Error()) + "[-]")
		return
	}
	ss.updateStatus("[green]Registered, let's vote![-]")
	if err := ss.app.ShowComparison(); err != nil {
		ss.app.ShowError("Navigation", err)
	}
}

func (ss *SetupScreen) onReset() {
	ss.nameField.SetText("")
	ss.otherField.SetText("")
	for _, box := range ss.habitBoxes {
		box.SetChecked(false)
	}
	ss.interestBox.SetCurrentOption(4)
	ss.updateStatus("")
}

func (ss *SetupScreen) updateOverview() {
	if ss.app == nil {
		return
	}
	stats := ss.app.Catalog().Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]Round %d[-]\n\n", stats.Round)
	for _, kind := range data.Kinds {
		ks := stats.Kinds[kind]
		fmt.Fprintf(&b, "%ss: [white::b]%d[-::-] active, %d votes\n", kindLabel(kind), ks.Active, ks.Votes)
	}
	fmt.Fprintf(&b, "\nVoters so far: %d\n", stats.Voters)
	b.WriteString("\nYou will compare pairs of titles first, then pairs of covers.")
	ss.overview.SetText(b.String())
}

func (ss *SetupScreen) updateStatus(message string) {
	ss.statusBar.SetText(message)
}
