package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// KeySettings holds the JSON settings blob.
const KeySettings = "bix_appSettings"

// Tiers is the number of extension tiers a settings blob describes.
const Tiers = 3

// Settings is the shop configuration. Prices are per person for each
// extension tier; durations are minutes.
type Settings struct {
	CardCount int `json:"cardCount"`

	Duration1 int `json:"duration1"`
	Duration2 int `json:"duration2"`
	Duration3 int `json:"duration3"`

	Price1 int `json:"price1"`
	Price2 int `json:"price2"`
	Price3 int `json:"price3"`

	FemalePrice1 int `json:"femalePrice1"`
	FemalePrice2 int `json:"femalePrice2"`
	FemalePrice3 int `json:"femalePrice3"`

	MainNominationPrice1 int `json:"mainNominationPrice1"`
	MainNominationPrice2 int `json:"mainNominationPrice2"`
	MainNominationPrice3 int `json:"mainNominationPrice3"`

	InhouseNominationPrice1 int `json:"inhouseNominationPrice1"`
	InhouseNominationPrice2 int `json:"inhouseNominationPrice2"`
	InhouseNominationPrice3 int `json:"inhouseNominationPrice3"`

	LabelMaleCustomer      string `json:"labelMaleCustomer"`
	LabelMainNomination    string `json:"labelMainNomination"`
	LabelInhouseNomination string `json:"labelInhouseNomination"`
	LabelFemaleCustomer    string `json:"labelFemaleCustomer"`

	CardFeePercent float64 `json:"cardFeePercent"`

	// CardLabel is the extension card label template. Empty uses
	// DefaultCardLabel.
	CardLabel string `json:"cardLabel,omitempty"`
}

// DefaultCardLabel renders "<minutes>分延長 合計".
const DefaultCardLabel = `{{ .Duration }}分延長 合計`

// DefaultSettings returns the compiled-in configuration.
func DefaultSettings() Settings {
	return Settings{
		CardCount: 2,

		Duration1: 30,
		Duration2: 60,
		Duration3: 90,

		Price1: 3600,
		Price2: 7200,
		Price3: 10800,

		FemalePrice1: 1800,
		FemalePrice2: 3600,
		FemalePrice3: 5400,

		MainNominationPrice1: 2400,
		MainNominationPrice2: 2400,
		MainNominationPrice3: 4800,

		InhouseNominationPrice1: 2400,
		InhouseNominationPrice2: 2400,
		InhouseNominationPrice3: 4800,

		LabelMaleCustomer:      "お客様（男性）",
		LabelMainNomination:    "本指名",
		LabelInhouseNomination: "場内指名",
		LabelFemaleCustomer:    "お客様（女性）",

		CardFeePercent: 0,
	}
}

// Tier is the price set of one extension tier.
type Tier struct {
	Duration               int
	Price                  int
	FemalePrice            int
	MainNominationPrice    int
	InhouseNominationPrice int
}

// Tier returns tier i, counted from 1.
func (s Settings) Tier(i int) Tier {
	switch i {
	case 1:
		return Tier{s.Duration1, s.Price1, s.FemalePrice1, s.MainNominationPrice1, s.InhouseNominationPrice1}
	case 2:
		return Tier{s.Duration2, s.Price2, s.FemalePrice2, s.MainNominationPrice2, s.InhouseNominationPrice2}
	case 3:
		return Tier{s.Duration3, s.Price3, s.FemalePrice3, s.MainNominationPrice3, s.InhouseNominationPrice3}
	default:
		return Tier{}
	}
}

// Normalize applies the limits the settings editor enforces: one to three
// cards, a card fee of 0..100 percent, no negative durations or prices and
// trimmed labels.
func (s Settings) Normalize() Settings {
	s.CardCount = clampInt(s.CardCount, 1, Tiers)
	s.CardFeePercent = clampFloat(s.CardFeePercent, 0, 100)
	for _, v := range []*int{
		&s.Duration1, &s.Duration2, &s.Duration3,
		&s.Price1, &s.Price2, &s.Price3,
		&s.FemalePrice1, &s.FemalePrice2, &s.FemalePrice3,
		&s.MainNominationPrice1, &s.MainNominationPrice2, &s.MainNominationPrice3,
		&s.InhouseNominationPrice1, &s.InhouseNominationPrice2, &s.InhouseNominationPrice3,
	} {
		*v = max(0, *v)
	}
	for _, v := range []*string{
		&s.LabelMaleCustomer, &s.LabelMainNomination, &s.LabelInhouseNomination, &s.LabelFemaleCustomer,
	} {
		*v = strings.TrimSpace(*v)
	}
	return s
}

// SettingsStore loads and saves Settings in a KV.
type SettingsStore struct {
	kv     KV
	logger *slog.Logger
}

// NewSettingsStore wraps kv.
func NewSettingsStore(kv KV, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsStore{kv: kv, logger: logger.With(slog.String("agent", "pricing"))}
}

// Load merges the stored blob over the defaults. A blob that does not parse
// yields the defaults; only store failures are returned.
func (s *SettingsStore) Load(ctx context.Context) (Settings, error) {
	raw, ok, err := s.kv.Get(ctx, KeySettings)
	if err != nil {
		return DefaultSettings(), err
	}
	if !ok {
		return DefaultSettings(), nil
	}
	settings, err := ParseSettings([]byte(raw))
	if err != nil {
		s.logger.Warn("settings unreadable, using defaults", slog.Any("error", err))
		return DefaultSettings(), nil
	}
	return settings, nil
}

// Save normalises settings and writes them wholesale.
func (s *SettingsStore) Save(ctx context.Context, settings Settings) error {
	raw, err := json.Marshal(settings.Normalize())
	if err != nil {
		return fmt.Errorf("pricing: encode settings: %w", err)
	}
	return s.kv.Set(ctx, KeySettings, string(raw))
}

// ParseSettings decodes a stored blob over the defaults and clamps the card
// fee. A legacy nominationPriceN is carried into mainNominationPriceN only
// when the blob holds that key as an explicit null; an absent key keeps the
// default price, since defaults are merged in first.
func ParseSettings(raw []byte) (Settings, error) {
	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("pricing: decode settings: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Settings{}, fmt.Errorf("pricing: decode settings: %w", err)
	}

	legacy := []struct {
		from, to string
		dst      *int
	}{
		{"nominationPrice1", "mainNominationPrice1", &settings.MainNominationPrice1},
		{"nominationPrice2", "mainNominationPrice2", &settings.MainNominationPrice2},
		{"nominationPrice3", "mainNominationPrice3", &settings.MainNominationPrice3},
	}
	for _, m := range legacy {
		if !explicitNull(fields, m.to) || !present(fields, m.from) {
			continue
		}
		var v float64
		if err := json.Unmarshal(fields[m.from], &v); err != nil {
			continue
		}
		*m.dst = int(v)
	}

	settings.CardFeePercent = clampFloat(settings.CardFeePercent, 0, 100)
	return settings, nil
}

func present(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	return ok && string(v) != "null"
}

func explicitNull(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	return ok && string(v) == "null"
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}

func clampInt(v, lo, hi int) int {
	return min(hi, max(lo, v))
}
