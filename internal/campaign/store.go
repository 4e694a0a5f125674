package campaign

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyOwned      = errors.New("already owned")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidStock      = errors.New("invalid stock value")
	ErrInvalidInput      = errors.New("invalid input")
)

type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	// Backend persists the document; every mutation writes through it before
	// reporting success. Defaults to in-memory when neither Backend nor
	// StateFile is set.
	Backend StateBackend
	// Replica receives a best-effort copy after each commit. Errors are
	// logged, never surfaced to the mutation caller.
	Replica StateBackend
	// StateFile builds a JSON file backend when Backend is nil.
	StateFile string
	// DefaultDMKey seeds settings.dmKey for a fresh document.
	DefaultDMKey string
	// OnCommit fires after every successfully persisted mutation.
	OnCommit func()
	Logger   Logger
}

// Store owns the campaign document. Every mutation is applied to a deep copy,
// persisted, and only then swapped in, so observers never see a partial state
// and a failed persist leaves the committed document untouched.
type Store struct {
	mu       sync.Mutex
	doc      *Document
	backend  StateBackend
	replica  StateBackend
	onCommit func()
	logger   Logger
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileBackend(opts.StateFile)
	}
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	dmKey := strings.TrimSpace(opts.DefaultDMKey)
	if dmKey == "" {
		dmKey = "change-me"
	}
	s := &Store{
		backend:  backend,
		replica:  opts.Replica,
		onCommit: opts.OnCommit,
		logger:   opts.Logger,
	}
	doc, err := backend.Load()
	if err != nil {
		s.logf("failed to load document, starting from defaults: %v", err)
	}
	if doc == nil {
		doc = DefaultDocument(dmKey)
	}
	doc.normalize()
	s.doc = doc
	return s
}

// SetOnCommit replaces the commit hook. Intended for wiring the broadcaster
// after construction; not safe to call concurrently with mutations.
func (s *Store) SetOnCommit(fn func()) {
	s.onCommit = fn
}

// Snapshot returns a deep copy of the committed document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.doc.Clone()
}

// DMKey returns the current shared secret.
func (s *Store) DMKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Settings.DMKey
}

// Reload re-reads the document from the primary backend, replacing the
// in-memory state. Used when the backing file changed out of band.
func (s *Store) Reload() error {
	s.mu.Lock()
	doc, err := s.backend.Load()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("reload document: %w", err)
	}
	if doc == nil {
		s.mu.Unlock()
		return nil
	}
	doc.normalize()
	s.doc = doc
	hook := s.onCommit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *Store) Close() error {
	var firstErr error
	for _, backend := range []StateBackend{s.backend, s.replica} {
		if closer, ok := backend.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// commit persists next through the primary backend and swaps it in. Called
// with s.mu held. The replica write and commit hook run after the swap and
// never affect the outcome.
func (s *Store) commit(next *Document) error {
	if err := s.backend.Save(next); err != nil {
		return fmt.Errorf("persist document: %w", err)
	}
	s.doc = next
	if s.replica != nil {
		if err := s.replica.Save(next); err != nil {
			s.logf("replica write failed: %v", err)
		}
	}
	if s.onCommit != nil {
		s.onCommit()
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

type PurchaseRequest struct {
	CharacterID string `json:"characterId"`
	ShopID      string `json:"shopId"`
	ItemID      string `json:"itemId"`
	Qty         int    `json:"qty"`
	SessionName string `json:"sessionName,omitempty"`
}

// PurchaseItem applies a shop purchase as one indivisible step: stock
// decrement, inventory append and notification allocation all commit
// together or not at all.
func (s *Store) PurchaseItem(req PurchaseRequest) error {
	if req.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	shop := next.shopByID(req.ShopID)
	if shop == nil {
		return fmt.Errorf("%w: shop %s", ErrNotFound, req.ShopID)
	}
	item := shop.itemByID(req.ItemID)
	if item == nil {
		return fmt.Errorf("%w: item %s", ErrNotFound, req.ItemID)
	}
	char := next.characterByID(req.CharacterID)
	if char == nil {
		return fmt.Errorf("%w: character %s", ErrNotFound, req.CharacterID)
	}
	if item.Unique() && char.ownsItemNamed(item.Name) {
		return fmt.Errorf("%w: %s", ErrAlreadyOwned, item.Name)
	}
	if !item.Stock.Unlimited {
		if item.Stock.Count < req.Qty {
			return fmt.Errorf("%w: %s has %d left", ErrInsufficientStock, item.Name, item.Stock.Count)
		}
		item.Stock.Count -= req.Qty
	}
	char.Inventory = append(char.Inventory, InventoryLine{
		Name:     item.Name,
		Category: item.Category,
		Quantity: req.Qty,
		Weight:   item.Weight,
		Cost:     item.Cost,
		Notes:    item.Notes,
	})
	from := strings.TrimSpace(req.SessionName)
	if from == "" {
		from = char.Name
	}
	detail := fmt.Sprintf("%s bought %d x %s from %s", char.Name, req.Qty, item.Name, shop.Name)
	next.appendNotification("Shop Purchase", detail, from)
	return s.commit(next)
}

// appendNotification allocates the next id and files an open notification.
func (d *Document) appendNotification(typ, detail, from string) Notification {
	now := nowRFC3339()
	n := Notification{
		ID:        d.Notifications.NextID,
		Type:      typ,
		Detail:    detail,
		From:      from,
		Status:    NotificationOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.Notifications.NextID++
	d.Notifications.Items = append(d.Notifications.Items, n)
	return n
}

func (s *Store) CreateCharacter(c Character) (Character, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Character{}, fmt.Errorf("%w: character name is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Inventory == nil {
		c.Inventory = []InventoryLine{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	if next.characterByID(c.ID) != nil {
		return Character{}, fmt.Errorf("%w: character id %s taken", ErrInvalidInput, c.ID)
	}
	next.Characters = append(dropSeedCharacters(next.Characters), c)
	if err := s.commit(next); err != nil {
		return Character{}, err
	}
	return c, nil
}

// SaveCharacter overwrites the whole character, creating it when absent.
func (s *Store) SaveCharacter(c Character) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: character id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: character name is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	next.Characters = dropSeedCharacters(next.Characters)
	if existing := next.characterByID(c.ID); existing != nil {
		*existing = c
	} else {
		next.Characters = append(next.Characters, c)
	}
	return s.commit(next)
}

func (s *Store) DeleteCharacter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	kept := make([]Character, 0, len(next.Characters))
	found := false
	for _, c := range next.Characters {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return fmt.Errorf("%w: character %s", ErrNotFound, id)
	}
	next.Characters = kept
	return s.commit(next)
}

// dropSeedCharacters removes flagged seed entries. Real saves displace the
// example data shipped with a fresh install.
func dropSeedCharacters(chars []Character) []Character {
	kept := make([]Character, 0, len(chars))
	for _, c := range chars {
		if c.SeedData {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// SaveShops replaces the shops section wholesale.
func (s *Store) SaveShops(sec ShopsSection) error {
	if sec.List == nil {
		sec.List = []Shop{}
	}
	for i := range sec.List {
		if strings.TrimSpace(sec.List[i].ID) == "" {
			sec.List[i].ID = uuid.NewString()
		}
		for _, item := range sec.List[i].Items {
			if !item.Stock.Unlimited && item.Stock.Count < 0 {
				return fmt.Errorf("%w: item %s", ErrInvalidStock, item.Name)
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	next.Shops = sec
	return s.commit(next)
}

// Notify files a free-form notification from a player.
func (s *Store) Notify(typ, detail, from string) (Notification, error) {
	if strings.TrimSpace(typ) == "" || strings.TrimSpace(detail) == "" {
		return Notification{}, fmt.Errorf("%w: type and detail are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	n := next.appendNotification(strings.TrimSpace(typ), strings.TrimSpace(detail), strings.TrimSpace(from))
	if err := s.commit(next); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// SaveNotifications bulk-updates the notification list. The id counter never
// moves backwards, so cleared ids are not reused.
func (s *Store) SaveNotifications(items []Notification) error {
	if items == nil {
		items = []Notification{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	for i := range items {
		if items[i].Status != NotificationResolved {
			items[i].Status = NotificationOpen
		}
	}
	next.Notifications.Items = items
	for _, n := range items {
		if n.ID >= next.Notifications.NextID {
			next.Notifications.NextID = n.ID + 1
		}
	}
	return s.commit(next)
}

func (s *Store) ResolveNotification(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	for i := range next.Notifications.Items {
		if next.Notifications.Items[i].ID == id {
			next.Notifications.Items[i].Status = NotificationResolved
			next.Notifications.Items[i].UpdatedAt = nowRFC3339()
			return s.commit(next)
		}
	}
	return fmt.Errorf("%w: notification %d", ErrNotFound, id)
}

// ClearResolved removes every resolved notification and reports how many.
func (s *Store) ClearResolved() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	kept := make([]Notification, 0, len(next.Notifications.Items))
	removed := 0
	for _, n := range next.Notifications.Items {
		if n.Status == NotificationResolved {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	if removed == 0 {
		return 0, nil
	}
	next.Notifications.Items = kept
	if err := s.commit(next); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) CreateClue(c Clue) (Clue, error) {
	if strings.TrimSpace(c.Title) == "" {
		return Clue{}, fmt.Errorf("%w: clue title is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	c.ID = next.Clues.NextID
	next.Clues.NextID++
	c.Visibility = ClueHidden
	c.RevealedAt = ""
	next.Clues.Items = append(next.Clues.Items, c)
	if err := s.commit(next); err != nil {
		return Clue{}, err
	}
	return c, nil
}

// UpdateClue rewrites a clue's content fields in place. Visibility and list
// membership are governed by their own transitions and are preserved.
func (s *Store) UpdateClue(c Clue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	for _, list := range []*[]Clue{&next.Clues.Items, &next.Clues.Archived} {
		idx := next.clueIndex(*list, c.ID)
		if idx < 0 {
			continue
		}
		stored := &(*list)[idx]
		stored.Title = c.Title
		stored.Details = c.Details
		stored.Tags = c.Tags
		stored.District = c.District
		stored.Date = c.Date
		return s.commit(next)
	}
	return fmt.Errorf("%w: clue %d", ErrNotFound, c.ID)
}

// SetClueVisibility toggles hidden/revealed without changing id or list
// membership.
func (s *Store) SetClueVisibility(id int, visibility string) error {
	if visibility != ClueHidden && visibility != ClueRevealed {
		return fmt.Errorf("%w: visibility %q", ErrInvalidInput, visibility)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	for _, list := range []*[]Clue{&next.Clues.Items, &next.Clues.Archived} {
		idx := next.clueIndex(*list, id)
		if idx < 0 {
			continue
		}
		clue := &(*list)[idx]
		clue.Visibility = visibility
		if visibility == ClueRevealed && clue.RevealedAt == "" {
			clue.RevealedAt = nowRFC3339()
		}
		return s.commit(next)
	}
	return fmt.Errorf("%w: clue %d", ErrNotFound, id)
}

// ArchiveClue moves an active clue to the front of the archive.
func (s *Store) ArchiveClue(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	idx := next.clueIndex(next.Clues.Items, id)
	if idx < 0 {
		return fmt.Errorf("%w: active clue %d", ErrNotFound, id)
	}
	clue := next.Clues.Items[idx]
	next.Clues.Items = append(next.Clues.Items[:idx], next.Clues.Items[idx+1:]...)
	next.Clues.Archived = append([]Clue{clue}, next.Clues.Archived...)
	return s.commit(next)
}

// RestoreClue is the exact inverse of ArchiveClue.
func (s *Store) RestoreClue(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	idx := next.clueIndex(next.Clues.Archived, id)
	if idx < 0 {
		return fmt.Errorf("%w: archived clue %d", ErrNotFound, id)
	}
	clue := next.Clues.Archived[idx]
	next.Clues.Archived = append(next.Clues.Archived[:idx], next.Clues.Archived[idx+1:]...)
	next.Clues.Items = append(next.Clues.Items, clue)
	return s.commit(next)
}

// DeleteClue removes the clue from whichever list holds it, permanently.
func (s *Store) DeleteClue(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	for _, list := range []*[]Clue{&next.Clues.Items, &next.Clues.Archived} {
		idx := next.clueIndex(*list, id)
		if idx < 0 {
			continue
		}
		*list = append((*list)[:idx], (*list)[idx+1:]...)
		return s.commit(next)
	}
	return fmt.Errorf("%w: clue %d", ErrNotFound, id)
}

type SettingsUpdate struct {
	DMKey    *string   `json:"dmKey,omitempty"`
	Features *Features `json:"features,omitempty"`
}

func (s *Store) UpdateSettings(update SettingsUpdate) error {
	if update.DMKey != nil && strings.TrimSpace(*update.DMKey) == "" {
		return fmt.Errorf("%w: dm key must not be empty", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	if update.DMKey != nil {
		next.Settings.DMKey = strings.TrimSpace(*update.DMKey)
	}
	if update.Features != nil {
		next.Settings.Features = *update.Features
	}
	return s.commit(next)
}
