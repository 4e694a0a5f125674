package viewsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tablekeep/campaignd/internal/campaign"
)

// Signature derives a cheap fingerprint of the parts of the document a
// viewer renders: section counts plus each clue's id and visibility. Two
// refetches with equal signatures need no re-render.
func Signature(doc campaign.Document) string {
	h := sha256.New()
	inventoryLines := 0
	for _, c := range doc.Characters {
		inventoryLines += len(c.Inventory)
	}
	items := 0
	for _, shop := range doc.Shops.List {
		items += len(shop.Items)
	}
	fmt.Fprintf(h, "chars=%d;lines=%d;shops=%d;items=%d;notes=%d;clues=%d;archived=%d;",
		len(doc.Characters), inventoryLines, len(doc.Shops.List), items,
		len(doc.Notifications.Items), len(doc.Clues.Items), len(doc.Clues.Archived))
	for _, clue := range doc.Clues.Items {
		fmt.Fprintf(h, "c%d=%s;", clue.ID, clue.Visibility)
	}
	for _, clue := range doc.Clues.Archived {
		fmt.Fprintf(h, "a%d=%s;", clue.ID, clue.Visibility)
	}
	for _, n := range doc.Notifications.Items {
		fmt.Fprintf(h, "n%d=%s;", n.ID, n.Status)
	}
	return hex.EncodeToString(h.Sum(nil))
}
