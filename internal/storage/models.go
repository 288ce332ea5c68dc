package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Price-change directions recorded in the ledger.
const (
	DirectionIncrease = "increase"
	DirectionDecrease = "decrease"
)

// Observation is one scrape/report of a listing at a point in time.
type Observation struct {
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Location    string           `json:"location,omitempty"`
	Seller      string           `json:"seller,omitempty"`
	Images      []string         `json:"images,omitempty"`
	URL         string           `json:"url"`
	ObservedAt  time.Time        `json:"observed_at"`
}

// UnmarshalJSON tolerates malformed price values. Scraped input is noisy:
// prices arrive as numbers, quoted numbers, or strings like "$12,500".
// Anything unparseable is downgraded to absent rather than failing the
// whole observation.
func (o *Observation) UnmarshalJSON(data []byte) error {
	type alias Observation
	aux := struct {
		*alias
		Price json.RawMessage `json:"price,omitempty"`
	}{alias: (*alias)(o)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	o.Price = ParsePrice(string(aux.Price))
	return nil
}

// ParsePrice extracts a non-negative decimal price from a raw JSON value.
// Returns nil when the value is absent, negative, or unparseable.
func ParsePrice(raw string) *decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	raw = strings.NewReplacer("$", "", ",", "", " ", "").Replace(raw)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}

// Valid reports whether the observation carries enough identity to be
// reconciled. An observation with neither title nor URL is rejected.
func (o Observation) Valid() bool {
	return o.Title != "" || o.URL != ""
}

// Entity is the tracker's persistent belief about one listed item.
type Entity struct {
	ID           string            `json:"entity_id"`
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	Price        *decimal.Decimal  `json:"price,omitempty"`
	Description  string            `json:"description,omitempty"`
	Images       []string          `json:"images,omitempty"`
	Seller       string            `json:"seller,omitempty"`
	Location     string            `json:"location,omitempty"`
	Fingerprints map[string]string `json:"fingerprints"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
	TimesSeen    int               `json:"times_seen"`
}

// PriceChange is one append-only ledger record for a detected price change.
type PriceChange struct {
	EntityID     string           `json:"entity_id"`
	Timestamp    time.Time        `json:"timestamp"`
	OldPrice     *decimal.Decimal `json:"old_price"`
	NewPrice     *decimal.Decimal `json:"new_price"`
	ChangeAmount *decimal.Decimal `json:"change_amount"`
	Direction    string           `json:"direction"`
}
