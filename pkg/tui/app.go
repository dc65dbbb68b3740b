// Package tui provides the terminal voting client. It walks one participant
// through registration, the title and cover comparisons and the final
// rankings on top of the same catalog the HTTP API uses.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pashagolub/bookvote/pkg/data"
)

// ErrNoSession is returned by voting operations before the participant registered.
var ErrNoSession = errors.New("no active voting session")

// ScreenType represents different screens in the TUI application
type ScreenType int

const (
	ScreenSetup ScreenType = iota
	ScreenComparison
	ScreenRanking
	ScreenHelp
)

// String returns the string representation of ScreenType
func (s ScreenType) String() string {
	switch s {
	case ScreenSetup:
		return "setup"
	case ScreenComparison:
		return "comparison"
	case ScreenRanking:
		return "ranking"
	case ScreenHelp:
		return "help"
	default:
		return "unknown"
	}
}

// Screen interface defines the contract for all TUI screens
type Screen interface {
	// GetPrimitive returns the tview.Primitive for this screen
	GetPrimitive() tview.Primitive

	// OnEnter is called when the screen becomes active
	OnEnter(app any) error

	// OnExit is called when leaving the screen
	OnExit(app any) error

	// GetTitle returns the screen title for display
	GetTitle() string
}

// Refresher is implemented by screens that redraw on catalog changes.
type Refresher interface {
	Refresh()
}

// AppState represents the current application state
type AppState struct {
	mu             sync.RWMutex
	user           *data.User
	session        *data.Session
	currentScreen  ScreenType
	previousScreen ScreenType
	isRunning      bool
	lastChange     *data.Change
}

// App represents the main TUI application
type App struct {
	tviewApp *tview.Application
	pages    *tview.Pages
	header   *tview.TextView
	footer   *tview.TextView
	state    *AppState
	screens  map[ScreenType]Screen
	catalog  *data.Catalog
	config   data.SessionConfig
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// KeyBinding represents a keyboard shortcut
type KeyBinding struct {
	Key         tcell.Key
	Description string
	Handler     func(app *App) error
}

// Global key bindings available across all screens. Function keys keep the
// rune keys free for form input.
var globalKeyBindings = []KeyBinding{
	{Key: tcell.KeyF1, Description: "Help", Handler: (*App).ShowHelp},
	{Key: tcell.KeyF2, Description: "Comparisons", Handler: (*App).ShowComparison},
	{Key: tcell.KeyF3, Description: "Rankings", Handler: (*App).ShowRanking},
	{Key: tcell.KeyCtrlC, Description: "Exit", Handler: (*App).Exit},
}

// NewApp creates a new TUI application instance
func NewApp(catalog *data.Catalog, config data.SessionConfig) (*App, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &App{
		tviewApp: tview.NewApplication(),
		pages:    tview.NewPages(),
		header:   tview.NewTextView(),
		footer:   tview.NewTextView(),
		state:    &AppState{currentScreen: ScreenSetup},
		screens:  make(map[ScreenType]Screen),
		catalog:  catalog,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}

	app.setupUI()
	catalog.Subscribe(app.onCatalogChange)
	return app, nil
}

// setupUI initializes the UI components and layout
func (a *App) setupUI() {
	a.header.SetBorder(true).
		SetTitle("Book Vote").
		SetTitleAlign(tview.AlignCenter).
		SetBackgroundColor(tcell.ColorDarkBlue)
	a.header.SetTextColor(tcell.ColorWhite)

	a.footer.SetBorder(true).
		SetTitle("Keyboard Shortcuts").
		SetTitleAlign(tview.AlignCenter).
		SetBackgroundColor(tcell.ColorDarkGreen)
	a.footer.SetTextColor(tcell.ColorWhite)
	a.updateFooter()

	mainLayout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 3, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.footer, 3, 0, false)
	mainLayout.SetInputCapture(a.handleGlobalInput)

	a.tviewApp.SetRoot(mainLayout, true)
	a.tviewApp.EnableMouse(true)
	a.tviewApp.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		a.updateHeader()
		return false
	})
}

// RegisterScreen registers a screen with the application
func (a *App) RegisterScreen(screenType ScreenType, screen Screen) error {
	if screen == nil {
		return fmt.Errorf("screen cannot be nil")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.screens[screenType] = screen
	a.pages.AddPage(screenType.String(), screen.GetPrimitive(), true, false)
	return nil
}

func (a *App) screen(screenType ScreenType) (Screen, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.screens[screenType]
	return s, ok
}

// NavigateTo switches to the specified screen
func (a *App) NavigateTo(screenType ScreenType) error {
	screen, exists := a.screen(screenType)
	if !exists {
		return fmt.Errorf("screen %s not registered", screenType.String())
	}

	a.state.mu.RLock()
	previous := a.state.currentScreen
	a.state.mu.RUnlock()

	// Screens call back into the app, so hooks run without the state lock.
	if current, ok := a.screen(previous); ok && previous != screenType {
		if err := current.OnExit(a); err != nil {
			return fmt.Errorf("failed to exit screen %s: %w", previous.String(), err)
		}
	}

	if err := screen.OnEnter(a); err != nil {
		return fmt.Errorf("failed to enter screen %s: %w", screenType.String(), err)
	}

	a.state.mu.Lock()
	if previous != screenType {
		a.state.previousScreen = previous
	}
	a.state.currentScreen = screenType
	a.state.mu.Unlock()

	a.pages.SwitchToPage(screenType.String())
	return nil
}

// GoBack returns to the screen shown before the current one
func (a *App) GoBack() error {
	a.state.mu.RLock()
	previous := a.state.previousScreen
	a.state.mu.RUnlock()
	return a.NavigateTo(previous)
}

// ShowHelp displays the help screen
func (a *App) ShowHelp() error {
	return a.NavigateTo(ScreenHelp)
}

// ShowRanking displays the ranking screen
func (a *App) ShowRanking() error {
	return a.NavigateTo(ScreenRanking)
}

// ShowComparison displays the comparison screen
func (a *App) ShowComparison() error {
	return a.NavigateTo(ScreenComparison)
}

// Exit stops the application
func (a *App) Exit() error {
	a.state.mu.Lock()
	a.state.isRunning = false
	a.state.mu.Unlock()

	a.cancel()
	a.tviewApp.Stop()
	return nil
}

// Run starts the TUI application on the setup screen
func (a *App) Run() error {
	if err := a.NavigateTo(ScreenSetup); err != nil {
		return fmt.Errorf("failed to navigate to setup screen: %w", err)
	}

	a.state.mu.Lock()
	a.state.isRunning = true
	a.state.mu.Unlock()

	err := a.tviewApp.Run()

	a.state.mu.Lock()
	a.state.isRunning = false
	a.state.mu.Unlock()
	return err
}

// Stop gracefully stops the application
func (a *App) Stop() {
	if a.IsRunning() {
		_ = a.Exit()
	}
}

// SetFocus moves keyboard focus to p
func (a *App) SetFocus(p tview.Primitive) {
	a.tviewApp.SetFocus(p)
}

// Context is cancelled when the application exits
func (a *App) Context() context.Context {
	return a.ctx
}

// Catalog returns the catalog the client votes on
func (a *App) Catalog() *data.Catalog {
	return a.catalog
}

// SessionConfig returns the comparison limits
func (a *App) SessionConfig() data.SessionConfig {
	return a.config
}

// Session returns the active comparison session, if any
func (a *App) Session() *data.Session {
	a.state.mu.RLock()
	defer a.state.mu.RUnlock()
	return a.state.session
}

// User returns the registered participant
func (a *App) User() (data.User, bool) {
	a.state.mu.RLock()
	defer a.state.mu.RUnlock()
	if a.state.user == nil {
		return data.User{}, false
	}
	return *a.state.user, true
}

func (a *App) setUser(u data.User) {
	a.state.mu.Lock()
	a.state.user = &u
	a.state.mu.Unlock()
}

// StartSession registers the participant, stores the survey and opens a
// comparison session in the title phase. A participant left without a
// session by a failed survey is not registered twice.
func (a *App) StartSession(ctx context.Context, name string, habits []string, interest int) error {
	user, registered := a.User()
	if !registered {
		var err error
		if user, err = a.catalog.RegisterUser(ctx, name); err != nil {
			return err
		}
		a.setUser(user)
	}

	user, err := a.catalog.SubmitSurvey(ctx, data.SurveyAnswers{
		UserID:        user.ID,
		ReadingHabits: habits,
		InterestLevel: interest,
	})
	if err != nil {
		return err
	}
	a.setUser(user)

	session, err := data.NewSession(a.catalog, data.UserID(user.ID), a.config)
	if err != nil {
		return err
	}
	a.state.mu.Lock()
	a.state.session = session
	a.state.mu.Unlock()
	return nil
}

// RecordVote submits an outcome for the active session and advances the
// participant once a phase is finished.
func (a *App) RecordVote(ctx context.Context, kind data.ItemKind, winnerID, loserID string) (data.SubmitResult, error) {
	session := a.Session()
	if session == nil {
		return data.SubmitResult{}, ErrNoSession
	}
	res, err := session.SubmitOutcome(ctx, kind, winnerID, loserID)
	if err != nil {
		return res, err
	}
	if res.PhaseChanged {
		if err := a.CompleteStep(ctx, res.Phase.CompletedStep()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// CompleteStep records the participant's progress
func (a *App) CompleteStep(ctx context.Context, step data.Step) error {
	user, ok := a.User()
	if !ok {
		return data.ErrNoActiveUser
	}
	updated, err := a.catalog.CompleteStep(ctx, user.ID, step)
	if err != nil {
		return err
	}
	a.setUser(updated)
	return nil
}

// SubmitFeedback stores the participant's closing remarks
func (a *App) SubmitFeedback(ctx context.Context, text string) error {
	user, ok := a.User()
	if !ok {
		return data.ErrNoActiveUser
	}
	updated, err := a.catalog.SubmitFeedback(ctx, user.ID, text)
	if err != nil {
		return err
	}
	a.setUser(updated)
	return nil
}

// RestartSession starts the comparisons over with fresh local scores
func (a *App) RestartSession() error {
	session := a.Session()
	if session == nil {
		return ErrNoSession
	}
	session.Restart()
	return a.ShowComparison()
}

// ShowError displays an error message in a modal dialog
func (a *App) ShowError(title string, err error) {
	modal := tview.NewModal().
		SetText(err.Error()).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			a.pages.RemovePage("error-dialog")
		})

	modal.SetTitle(title).
		SetBorder(true).
		SetBackgroundColor(tcell.ColorDarkRed)

	a.pages.AddPage("error-dialog", modal, true, true)
}

// onCatalogChange is called synchronously by the catalog, possibly from the
// event loop itself, so the redraw is queued.
func (a *App) onCatalogChange(c data.Change) {
	a.state.mu.Lock()
	a.state.lastChange = &c
	running := a.state.isRunning
	current := a.state.currentScreen
	a.state.mu.Unlock()

	if !running {
		return
	}
	screen, ok := a.screen(current)
	if !ok {
		return
	}
	go a.tviewApp.QueueUpdateDraw(func() {
		a.updateHeader()
		if r, ok := screen.(Refresher); ok {
			r.Refresh()
		}
	})
}

// handleGlobalInput handles global keyboard shortcuts
func (a *App) handleGlobalInput(event *tcell.EventKey) *tcell.EventKey {
	for _, binding := range globalKeyBindings {
		if event.Key() != binding.Key {
			continue
		}
		if err := binding.Handler(a); err != nil {
			a.ShowError("Navigation", err)
		}
		return nil
	}
	return event
}

// headerText describes the current screen, participant and progress
func (a *App) headerText() string {
	a.state.mu.RLock()
	current := a.state.currentScreen
	user := a.state.user
	session := a.state.session
	a.state.mu.RUnlock()

	title := current.String()
	if screen, ok := a.screen(current); ok {
		title = screen.GetTitle()
	}

	parts := []string{"Screen: " + title}
	if user != nil {
		parts = append(parts, "Voter: "+user.Name)
	}
	if session != nil {
		st := session.State()
		switch st.Phase {
		case data.TitlePhase:
			parts = append(parts, fmt.Sprintf("Titles %d/%d", st.TitleRounds, st.MaxTitleRounds))
		case data.CoverPhase:
			parts = append(parts, fmt.Sprintf("Covers %d/%d", st.CoverRounds, st.MaxCoverRounds))
		default:
			parts = append(parts, "Comparisons done")
		}
	}
	parts = append(parts, fmt.Sprintf("Round %d", a.catalog.CurrentRound().Number))
	if change, ok := a.LastChange(); ok {
		if notice := changeNotice(change); notice != "" {
			parts = append(parts, notice)
		}
	}
	return strings.Join(parts, " | ")
}

// changeNotice describes admin changes made while the client is open
func changeNotice(c data.Change) string {
	switch c.Reason {
	case data.ChangeNewRound:
		return "New round started"
	case data.ChangeReset:
		return "Competition reset"
	case data.ChangeVotesClear:
		return "Votes cleared"
	case data.ChangeItems:
		return "Items updated"
	}
	return ""
}

func (a *App) updateHeader() {
	a.header.SetText(a.headerText())
}

// updateFooter updates the footer with current key bindings
func (a *App) updateFooter() {
	a.footer.SetText(footerText())
}

func footerText() string {
	help := make([]string, 0, len(globalKeyBindings))
	for _, binding := range globalKeyBindings {
		help = append(help, fmt.Sprintf("%s: %s", tcell.KeyNames[binding.Key], binding.Description))
	}
	return strings.Join(help, " | ")
}

// IsRunning returns whether the application is currently running
func (a *App) IsRunning() bool {
	a.state.mu.RLock()
	defer a.state.mu.RUnlock()
	return a.state.isRunning
}

// GetCurrentScreen returns the current screen type
func (a *App) GetCurrentScreen() ScreenType {
	a.state.mu.RLock()
	defer a.state.mu.RUnlock()
	return a.state.currentScreen
}

// LastChange returns the most recent catalog notification seen by the client
func (a *App) LastChange() (data.Change, bool) {
	a.state.mu.RLock()
	defer a.state.mu.RUnlock()
	if a.state.lastChange == nil {
		return data.Change{}, false
	}
	return *a.state.lastChange, true
}
