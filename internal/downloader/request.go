package downloader

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/italolelis/listing_images/internal/progress"
)

// MaxSlots is the number of image slots a product record can carry.
const MaxSlots = 17

const slotPrefix = "Image "

// Slot is one named image position of a product record.
type Slot struct {
	Name string `json:"slot"`
	URL  string `json:"url"`
}

// ProductImageRequest is the ordered set of image slots of one product.
type ProductImageRequest struct {
	ProductID string `json:"product_id"`
	Slots     []Slot `json:"slots"`
}

// SlotName returns the record key of the i-th slot, starting at 1.
func SlotName(i int) string {
	return slotPrefix + strconv.Itoa(i)
}

// RequestFromRecord builds a request from a product record keyed by
// "Image 1".."Image 17". Other keys, non-string values and blank URLs are
// ignored.
func RequestFromRecord(productID string, record map[string]any) ProductImageRequest {
	req := ProductImageRequest{ProductID: productID}

	for i := 1; i <= MaxSlots; i++ {
		name := SlotName(i)

		raw, ok := record[name].(string)
		if !ok {
			continue
		}

		if u := strings.TrimSpace(raw); u != "" {
			req.Slots = append(req.Slots, Slot{Name: name, URL: u})
		}
	}

	return req
}

// imageSlots returns the non-blank slots, at most MaxSlots of them, with
// unique names. An unnamed slot takes the first free "Image N" from its
// position on; a repeated name gets a " #2", " #3"... suffix.
func (r ProductImageRequest) imageSlots() []Slot {
	slots := make([]Slot, 0, len(r.Slots))
	used := make(map[string]bool, len(r.Slots))

	for _, s := range r.Slots {
		if len(slots) == MaxSlots {
			break
		}

		u := strings.TrimSpace(s.URL)
		if u == "" {
			continue
		}

		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			for n := len(slots) + 1; ; n++ {
				if name = SlotName(n); !used[name] {
					break
				}
			}
		case used[name]:
			base := name
			for n := 2; ; n++ {
				if name = base + " #" + strconv.Itoa(n); !used[name] {
					break
				}
			}
		}

		used[name] = true
		slots = append(slots, Slot{Name: name, URL: u})
	}

	return slots
}

// SlotOutcome is the result of one slot. Status is "accepted" or "rejected".
type SlotOutcome struct {
	Slot     string `json:"slot"`
	URL      string `json:"url"`
	Status   string `json:"status"`
	Path     string `json:"path,omitempty"`
	Reason   string `json:"reason,omitempty"`
	CacheHit bool   `json:"cache_hit"`
}

const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
)

// Accepted reports whether the slot produced a usable image.
func (o SlotOutcome) Accepted() bool {
	return o.Status == outcomeAccepted
}

// Failure is a rejected slot.
type Failure struct {
	Slot   string `json:"slot"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Result is the outcome of ProcessProductImages.
type Result struct {
	ProductID string                 `json:"product_id"`
	Paths     []string               `json:"paths"`
	Failures  []Failure              `json:"failures"`
	Outcomes  map[string]SlotOutcome `json:"outcomes"`
	Progress  progress.Snapshot      `json:"progress"`
}

// FailedURLs returns the source URLs of the rejected slots.
func (r *Result) FailedURLs() []string {
	urls := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		urls = append(urls, f.URL)
	}

	return urls
}

// slotIndex returns N for "Image N", or MaxSlots+1 for any other name.
func slotIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, slotPrefix))
	if err != nil || !strings.HasPrefix(name, slotPrefix) {
		return MaxSlots + 1
	}

	return n
}

func sortedSlotNames(outcomes map[string]SlotOutcome) []string {
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}

	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(slotIndex(a), slotIndex(b)); c != 0 {
			return c
		}

		return strings.Compare(a, b)
	})

	return names
}
