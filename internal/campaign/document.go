package campaign

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is the single shared campaign state. It is owned exclusively by
// the Store; nothing else may read-modify-write its fields.
type Document struct {
	Settings      Settings             `json:"settings"`
	Shops         ShopsSection         `json:"shops"`
	Notifications NotificationsSection `json:"notifications"`
	Clues         CluesSection         `json:"clues"`
	Characters    []Character          `json:"characters"`
}

type Settings struct {
	DMKey    string   `json:"dmKey"`
	Features Features `json:"features"`
}

type Features struct {
	Shop  bool `json:"shop"`
	Intel bool `json:"intel"`
}

type ShopsSection struct {
	Enabled      bool   `json:"enabled"`
	ActiveShopID string `json:"activeShopId"`
	List         []Shop `json:"list"`
}

type Shop struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Items []ShopItem `json:"items"`
}

type ShopItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Cost     string `json:"cost,omitempty"`
	Weight   string `json:"weight,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Stock    Stock  `json:"stock"`
}

// Unique reports whether the item is limited to one copy per character.
// Classification is derived from the notes field.
func (i ShopItem) Unique() bool {
	return strings.Contains(strings.ToLower(i.Notes), "unique")
}

// Stock is either unlimited or a non-negative finite count. The wire format
// follows the document's historical shape: the string "∞" for unlimited and a
// numeric string such as "3" for finite counts.
type Stock struct {
	Unlimited bool
	Count     int
}

func UnlimitedStock() Stock {
	return Stock{Unlimited: true}
}

func FiniteStock(count int) Stock {
	return Stock{Count: count}
}

func (s Stock) MarshalJSON() ([]byte, error) {
	if s.Unlimited {
		return json.Marshal("∞")
	}
	return json.Marshal(strconv.Itoa(s.Count))
}

func (s *Stock) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n int
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidStock, strings.TrimSpace(string(data)))
		}
		if n < 0 {
			return fmt.Errorf("%w: negative count", ErrInvalidStock)
		}
		*s = Stock{Count: n}
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "∞" {
		*s = Stock{Unlimited: true}
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidStock, raw)
	}
	if n < 0 {
		return fmt.Errorf("%w: negative count", ErrInvalidStock)
	}
	*s = Stock{Count: n}
	return nil
}

type Character struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Inventory []InventoryLine `json:"inventory"`
	Weapons   []Weapon        `json:"weapons,omitempty"`
	Sheet     map[string]any  `json:"sheet,omitempty"`
	SeedData  bool            `json:"seedData,omitempty"`
}

type InventoryLine struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Quantity int    `json:"quantity"`
	Weight   string `json:"weight,omitempty"`
	Cost     string `json:"cost,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type Weapon struct {
	Name   string `json:"name"`
	Damage string `json:"damage,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func (c Character) ownsItemNamed(name string) bool {
	for _, line := range c.Inventory {
		if strings.EqualFold(strings.TrimSpace(line.Name), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

type NotificationsSection struct {
	NextID int            `json:"nextId"`
	Items  []Notification `json:"items"`
}

const (
	NotificationOpen     = "open"
	NotificationResolved = "resolved"
)

type Notification struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Detail    string `json:"detail"`
	From      string `json:"from,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type CluesSection struct {
	NextID   int    `json:"nextId"`
	Items    []Clue `json:"items"`
	Archived []Clue `json:"archived"`
}

const (
	ClueHidden   = "hidden"
	ClueRevealed = "revealed"
)

type Clue struct {
	ID         int      `json:"id"`
	Title      string   `json:"title"`
	Details    string   `json:"details,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	District   string   `json:"district,omitempty"`
	Date       string   `json:"date,omitempty"`
	Visibility string   `json:"visibility"`
	RevealedAt string   `json:"revealedAt,omitempty"`
}

// RevealedClues returns the active clues a player-facing view may show.
func (d Document) RevealedClues() []Clue {
	out := make([]Clue, 0, len(d.Clues.Items))
	for _, clue := range d.Clues.Items {
		if clue.Visibility == ClueRevealed {
			out = append(out, clue)
		}
	}
	return out
}

// DefaultDocument is the state of a fresh install before any mutation.
func DefaultDocument(dmKey string) *Document {
	return &Document{
		Settings: Settings{
			DMKey:    dmKey,
			Features: Features{Shop: true, Intel: true},
		},
		Shops:         ShopsSection{Enabled: true, List: []Shop{}},
		Notifications: NotificationsSection{NextID: 1, Items: []Notification{}},
		Clues:         CluesSection{NextID: 1, Items: []Clue{}, Archived: []Clue{}},
		Characters:    []Character{},
	}
}

// Clone deep-copies the document so a mutation can be prepared and persisted
// without touching the committed state.
func (d *Document) Clone() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		copied := *d
		return &copied
	}
	var clone Document
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *d
		return &copied
	}
	return &clone
}

func (d *Document) shopByID(id string) *Shop {
	for i := range d.Shops.List {
		if d.Shops.List[i].ID == id {
			return &d.Shops.List[i]
		}
	}
	return nil
}

func (s *Shop) itemByID(id string) *ShopItem {
	for i := range s.Items {
		if s.Items[i].ID == id {
			return &s.Items[i]
		}
	}
	return nil
}

func (d *Document) characterByID(id string) *Character {
	for i := range d.Characters {
		if d.Characters[i].ID == id {
			return &d.Characters[i]
		}
	}
	return nil
}

func (d *Document) clueIndex(list []Clue, id int) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

// normalize repairs documents loaded from older deployments: counters must
// stay ahead of every allocated id, visibility values must be well-formed,
// and legacy seed characters are flagged instead of name-matched later.
func (d *Document) normalize() {
	if d.Shops.List == nil {
		d.Shops.List = []Shop{}
	}
	if d.Characters == nil {
		d.Characters = []Character{}
	}
	if d.Notifications.Items == nil {
		d.Notifications.Items = []Notification{}
	}
	if d.Clues.Items == nil {
		d.Clues.Items = []Clue{}
	}
	if d.Clues.Archived == nil {
		d.Clues.Archived = []Clue{}
	}
	if d.Notifications.NextID < 1 {
		d.Notifications.NextID = 1
	}
	for _, n := range d.Notifications.Items {
		if n.ID >= d.Notifications.NextID {
			d.Notifications.NextID = n.ID + 1
		}
	}
	if d.Clues.NextID < 1 {
		d.Clues.NextID = 1
	}
	for _, list := range [][]Clue{d.Clues.Items, d.Clues.Archived} {
		for _, clue := range list {
			if clue.ID >= d.Clues.NextID {
				d.Clues.NextID = clue.ID + 1
			}
		}
	}
	for i := range d.Clues.Items {
		if d.Clues.Items[i].Visibility != ClueRevealed {
			d.Clues.Items[i].Visibility = ClueHidden
		}
	}
	for i := range d.Characters {
		if strings.Contains(strings.ToLower(d.Characters[i].Name), "example") {
			d.Characters[i].SeedData = true
		}
	}
}
