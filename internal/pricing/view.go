package pricing

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/l0p7/bixworker/internal/templates"
)

// Card is one extension total shown to staff.
type Card struct {
	Label      string `json:"label"`
	Amount     int    `json:"amount"`
	Display    string `json:"display"`
	Emphasized bool   `json:"emphasized"`
}

// Row is one counter row. Rows with an empty label are hidden.
type Row struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Visible bool   `json:"visible"`
}

// View is everything the calculator screen displays.
type View struct {
	CurrentCharge  int    `json:"currentCharge"`
	ChargeDisplay  string `json:"chargeDisplay"`
	CardFeeEnabled bool   `json:"cardFeeEnabled"`
	Rows           []Row  `json:"rows"`
	Cards          []Card `json:"cards"`
}

// cardLabelData is what a card label template sees.
type cardLabelData struct {
	Tier     int
	Duration int
	Amount   int
}

// Viewer builds views with a shared template renderer.
type Viewer struct {
	renderer *templates.Renderer
}

// NewViewer prepares a viewer. Label templates may call yen to format
// amounts.
func NewViewer() *Viewer {
	return &Viewer{renderer: templates.NewRenderer(template.FuncMap{"yen": FormatYen})}
}

// Build computes the screen for settings and st.
func (v *Viewer) Build(settings Settings, st State) (View, error) {
	fee := func(amount int) int {
		if st.CardFeeEnabled {
			return ApplyCardFee(amount, settings.CardFeePercent)
		}
		return amount
	}

	source := settings.CardLabel
	if strings.TrimSpace(source) == "" {
		source = DefaultCardLabel
	}
	label, err := v.renderer.CompileInline("card-label", source)
	if err != nil {
		return View{}, fmt.Errorf("pricing: card label: %w", err)
	}

	charge := fee(st.CurrentCharge)
	view := View{
		CurrentCharge:  charge,
		ChargeDisplay:  FormatYen(charge),
		CardFeeEnabled: st.CardFeeEnabled,
		Rows: []Row{
			row("maleCustomer", settings.LabelMaleCustomer),
			row("mainNomination", settings.LabelMainNomination),
			row("inhouseNomination", settings.LabelInhouseNomination),
			row("femaleCustomer", settings.LabelFemaleCustomer),
		},
	}

	totals := CalcTotals(settings, st)
	count := clampInt(settings.CardCount, 0, Tiers)
	for i := 0; i < count; i++ {
		amount := fee(totals[i])
		text, err := label.Render(cardLabelData{Tier: i + 1, Duration: settings.Tier(i + 1).Duration, Amount: amount})
		if err != nil {
			return View{}, fmt.Errorf("pricing: card label: %w", err)
		}
		view.Cards = append(view.Cards, Card{
			Label:      text,
			Amount:     amount,
			Display:    FormatYen(amount),
			Emphasized: true,
		})
	}
	return view, nil
}

func row(key, label string) Row {
	label = strings.TrimSpace(label)
	return Row{Key: key, Label: label, Visible: label != ""}
}
