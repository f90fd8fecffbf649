package stac

import (
	"sort"

	gostac "github.com/planetlabs/go-stac"
)

// SortItems orders items by datetime, then by id. Items without a datetime
// sort last.
func SortItems(items []*gostac.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, okI := ItemDatetime(items[i])
		tj, okJ := ItemDatetime(items[j])
		switch {
		case okI && !okJ:
			return true
		case !okI && okJ:
			return false
		case okI && okJ && !ti.Equal(tj):
			return ti.Before(tj)
		}
		return items[i].Id < items[j].Id
	})
}

// SortItemsByID orders items by id, which for radar frames is also frame
// order within a flight.
func SortItemsByID(items []*gostac.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Id < items[j].Id
	})
}
