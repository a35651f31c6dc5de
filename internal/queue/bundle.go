package queue

import (
	"fmt"
	"strings"

	"github.com/msageha/gatekeeper/internal/model"
)

// Bundle groups the items of a dependency cycle. Its members are reported
// together once every member has finished.
type Bundle struct {
	Items            []*Item
	StartedReporting bool
	FailedReporting  bool
	CannotMerge      bool
}

func NewBundle() *Bundle {
	return &Bundle{}
}

func (b *Bundle) AddItem(item *Item) {
	if !containsItem(b.Items, item) {
		b.Items = append(b.Items, item)
	}
}

func (b *Bundle) RemoveItem(item *Item) {
	b.Items = removeItem(b.Items, item)
}

// UpdatesConfig reports whether any member changes tenant configuration.
func (b *Bundle) UpdatesConfig(layout *model.Layout) bool {
	for _, item := range b.Items {
		if item.Change.UpdatesConfig(layout) {
			return true
		}
	}
	return false
}

func (b *Bundle) String() string {
	names := make([]string, 0, len(b.Items))
	for _, item := range b.Items {
		names = append(names, item.Change.String())
	}
	return fmt.Sprintf("<Bundle %s>", strings.Join(names, " "))
}
