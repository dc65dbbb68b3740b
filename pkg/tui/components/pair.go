// Package components provides reusable TUI widgets for the voting client.
package components

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pashagolub/bookvote/pkg/data"
)

// PairCards shows the two items of a comparison side by side. One card is
// highlighted; arrow keys move the highlight and 1, 2 or Enter pick a winner.
type PairCards struct {
	container *tview.Flex
	cards     [2]*tview.TextView

	items     [2]data.Item
	hasPair   bool
	highlight int

	highlightColor tcell.Color
	normalColor    tcell.Color
	showScores     bool

	onSelect    func(winner, loser data.Item)
	keyHandlers map[tcell.Key]func() bool
}

// PairCardsConfig holds configuration options for the pair cards
type PairCardsConfig struct {
	HighlightColor tcell.Color
	NormalColor    tcell.Color
	ShowScores     bool // Show the participant's local score on each card
	OnSelect       func(winner, loser data.Item)
}

// NewPairCards creates the cards with default colors
func NewPairCards() *PairCards {
	return NewPairCardsWithConfig(PairCardsConfig{
		HighlightColor: tcell.ColorYellow,
		NormalColor:    tcell.ColorWhite,
	})
}

// NewPairCardsWithConfig creates the cards with custom configuration
func NewPairCardsWithConfig(config PairCardsConfig) *PairCards {
	p := &PairCards{
		container:      tview.NewFlex(),
		highlightColor: config.HighlightColor,
		normalColor:    config.NormalColor,
		showScores:     config.ShowScores,
		onSelect:       config.OnSelect,
		keyHandlers:    make(map[tcell.Key]func() bool),
	}
	if p.highlightColor == 0 {
		p.highlightColor = tcell.ColorYellow
	}
	if p.normalColor == 0 {
		p.normalColor = tcell.ColorWhite
	}

	p.setupUI()
	p.setupKeyHandlers()
	p.updateDisplay()
	return p
}

func (p *PairCards) setupUI() {
	p.container.SetDirection(tview.FlexColumn)
	for i := range p.cards {
		card := tview.NewTextView()
		card.SetBorder(true)
		card.SetWordWrap(true)
		card.SetDynamicColors(true)
		card.SetTextAlign(tview.AlignCenter)
		p.cards[i] = card
		p.container.AddItem(card, 0, 1, i == 0)
	}
	p.container.SetInputCapture(p.handleInput)
}

func (p *PairCards) setupKeyHandlers() {
	p.keyHandlers[tcell.KeyLeft] = func() bool { return p.SetHighlight(0) }
	p.keyHandlers[tcell.KeyRight] = func() bool { return p.SetHighlight(1) }
	p.keyHandlers[tcell.KeyTab] = func() bool { return p.SetHighlight(1 - p.highlight) }
	p.keyHandlers[tcell.KeyEnter] = func() bool { return p.Select(p.highlight) }
}

// SetPair shows a new pair and highlights the left card
func (p *PairCards) SetPair(a, b data.Item) {
	p.items = [2]data.Item{a, b}
	p.hasPair = true
	p.highlight = 0
	p.updateDisplay()
}

// Clear removes the pair and shows message instead
func (p *PairCards) Clear(message string) {
	p.items = [2]data.Item{}
	p.hasPair = false
	p.highlight = 0
	p.updateDisplay()
	if message != "" {
		p.cards[0].SetText("[::d]" + tview.Escape(message) + "[::-]")
	}
}

// Pair returns the items on display
func (p *PairCards) Pair() (a, b data.Item, ok bool) {
	return p.items[0], p.items[1], p.hasPair
}

// HasPair reports whether a pair is on display
func (p *PairCards) HasPair() bool {
	return p.hasPair
}

// Highlighted returns the index of the highlighted card
func (p *PairCards) Highlighted() int {
	return p.highlight
}

// SetHighlight moves the highlight to card index
func (p *PairCards) SetHighlight(index int) bool {
	if !p.hasPair || index < 0 || index > 1 {
		return false
	}
	p.highlight = index
	p.updateDisplay()
	return true
}

// Select reports the card at index as the winner
func (p *PairCards) Select(index int) bool {
	if !p.hasPair || index < 0 || index > 1 {
		return false
	}
	p.highlight = index
	if p.onSelect != nil {
		p.onSelect(p.items[index], p.items[1-index])
	}
	return true
}

// SetOnSelect sets the callback for selection events
func (p *PairCards) SetOnSelect(callback func(winner, loser data.Item)) {
	p.onSelect = callback
}

// SetShowScores toggles the local score line on each card
func (p *PairCards) SetShowScores(show bool) {
	p.showScores = show
	p.updateDisplay()
}

// AddKeyHandler adds a custom key handler
func (p *PairCards) AddKeyHandler(key tcell.Key, handler func() bool) {
	p.keyHandlers[key] = handler
}

// GetPrimitive returns the main container for integration with tview
func (p *PairCards) GetPrimitive() tview.Primitive {
	return p.container
}

func (p *PairCards) handleInput(event *tcell.EventKey) *tcell.EventKey {
	if handler, exists := p.keyHandlers[event.Key()]; exists {
		if handler() {
			return nil
		}
	}
	if event.Key() == tcell.KeyRune {
		switch event.Rune() {
		case '1':
			p.Select(0)
			return nil
		case '2':
			p.Select(1)
			return nil
		}
	}
	return event
}

func (p *PairCards) updateDisplay() {
	for i, card := range p.cards {
		card.SetTitle(fmt.Sprintf(" %d ", i+1))
		if !p.hasPair {
			card.SetText("")
			card.SetBorderColor(p.normalColor)
			card.SetTitleColor(p.normalColor)
			continue
		}
		card.SetText(formatItem(p.items[i], p.showScores))
		color := p.normalColor
		if i == p.highlight {
			color = p.highlightColor
		}
		card.SetBorderColor(color)
		card.SetTitleColor(color)
	}
}

// formatItem renders a title as text and a cover as its image reference
func formatItem(item data.Item, showScore bool) string {
	var content strings.Builder
	content.WriteString("\n\n")
	switch item.Kind {
	case data.KindCover:
		content.WriteString("[green]Cover[-]\n\n")
		content.WriteString("[white::u]" + tview.Escape(item.Payload) + "[white::-]")
	default:
		content.WriteString("[white::b]" + tview.Escape(item.Payload) + "[white::-]")
	}
	if showScore {
		fmt.Fprintf(&content, "\n\n[blue]Your score:[-] %.0f", item.LocalScore)
	}
	return content.String()
}
