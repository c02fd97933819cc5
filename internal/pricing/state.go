package pricing

import (
	"context"
	"strconv"
	"strings"
)

// Counter state keys.
const (
	KeyCurrentCharge          = "bix_currentCharge"
	KeyCustomerCount          = "bix_customerCount"
	KeyFemaleCustomerCount    = "bix_femaleCustomerCount"
	KeyMainNominationCount    = "bix_mainNominationCount"
	KeyInhouseNominationCount = "bix_inhouseNominationCount"
	KeyCardFeeEnabled         = "bix_cardFeeEnabled"

	// keyLegacyNominationCount predates the main/in-house split.
	keyLegacyNominationCount = "bix_nominationCount"
)

// State is the live counter state of the calculator.
type State struct {
	CurrentCharge          int  `json:"currentCharge"`
	CustomerCount          int  `json:"customerCount"`
	FemaleCustomerCount    int  `json:"femaleCustomerCount"`
	MainNominationCount    int  `json:"mainNominationCount"`
	InhouseNominationCount int  `json:"inhouseNominationCount"`
	CardFeeEnabled         bool `json:"cardFeeEnabled"`
}

// StateStore reads and writes State key by key.
type StateStore struct {
	kv KV
}

// NewStateStore wraps kv.
func NewStateStore(kv KV) *StateStore {
	return &StateStore{kv: kv}
}

// Load reads the counters. A store holding only the legacy nomination count
// is migrated to a main nomination count first.
func (s *StateStore) Load(ctx context.Context) (State, error) {
	if err := s.migrate(ctx); err != nil {
		return State{}, err
	}
	var st State
	var err error
	if st.CurrentCharge, err = s.loadInt(ctx, KeyCurrentCharge, 0); err != nil {
		return State{}, err
	}
	if st.CustomerCount, err = s.loadInt(ctx, KeyCustomerCount, 1); err != nil {
		return State{}, err
	}
	if st.FemaleCustomerCount, err = s.loadInt(ctx, KeyFemaleCustomerCount, 0); err != nil {
		return State{}, err
	}
	if st.MainNominationCount, err = s.loadInt(ctx, KeyMainNominationCount, 0); err != nil {
		return State{}, err
	}
	if st.InhouseNominationCount, err = s.loadInt(ctx, KeyInhouseNominationCount, 0); err != nil {
		return State{}, err
	}
	raw, ok, err := s.kv.Get(ctx, KeyCardFeeEnabled)
	if err != nil {
		return State{}, err
	}
	st.CardFeeEnabled = ok && (raw == "1" || raw == "true")
	return st, nil
}

// Save writes every counter. Counts never go below zero.
func (s *StateStore) Save(ctx context.Context, st State) error {
	values := []struct {
		key   string
		value int
	}{
		{KeyCurrentCharge, max(0, st.CurrentCharge)},
		{KeyCustomerCount, max(0, st.CustomerCount)},
		{KeyFemaleCustomerCount, max(0, st.FemaleCustomerCount)},
		{KeyMainNominationCount, max(0, st.MainNominationCount)},
		{KeyInhouseNominationCount, max(0, st.InhouseNominationCount)},
	}
	for _, v := range values {
		if err := s.kv.Set(ctx, v.key, strconv.Itoa(v.value)); err != nil {
			return err
		}
	}
	fee := "0"
	if st.CardFeeEnabled {
		fee = "1"
	}
	return s.kv.Set(ctx, KeyCardFeeEnabled, fee)
}

func (s *StateStore) migrate(ctx context.Context) error {
	_, hasMain, err := s.kv.Get(ctx, KeyMainNominationCount)
	if err != nil {
		return err
	}
	_, hasInhouse, err := s.kv.Get(ctx, KeyInhouseNominationCount)
	if err != nil {
		return err
	}
	if hasMain || hasInhouse {
		return nil
	}
	old, ok, err := s.kv.Get(ctx, keyLegacyNominationCount)
	if err != nil || !ok {
		return err
	}
	n, convErr := strconv.Atoi(old)
	if convErr != nil {
		n = 0
	}
	if err := s.kv.Set(ctx, KeyMainNominationCount, strconv.Itoa(n)); err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyInhouseNominationCount, "0")
}

func (s *StateStore) loadInt(ctx context.Context, key string, def int) (int, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(leadingInt(raw))
	if err != nil {
		return def, nil
	}
	return v, nil
}

// leadingInt keeps the optional sign and leading digits of raw, the way a
// lenient integer parse reads "12px" as 12.
func leadingInt(raw string) string {
	raw = strings.TrimSpace(raw)
	end := 0
	for i, r := range raw {
		if i == 0 && (r == '-' || r == '+') {
			end = 1
			continue
		}
		if r < '0' || r > '9' {
			break
		}
		end = i + 1
	}
	return raw[:end]
}
