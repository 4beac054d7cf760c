package models

import (
	"fmt"
	"sort"
)

// Channel names, one per coarse message category.
const (
	ChannelTextSaved  = "memories:text:saved"
	ChannelMediaSaved = "memories:media:saved"
	ChannelOtherSaved = "memories:other:saved"
)

var channelTable = map[Category]string{
	CategoryText:  ChannelTextSaved,
	CategoryMedia: ChannelMediaSaved,
	CategoryOther: ChannelOtherSaved,
}

// ChannelFor maps a category to exactly one channel name.
// Unknown categories are a configuration error and are never silently dropped.
func ChannelFor(c Category) (string, error) {
	ch, ok := channelTable[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return ch, nil
}

// Channels returns every known channel name in a stable order.
func Channels() []string {
	out := make([]string, 0, len(channelTable))
	for _, ch := range channelTable {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
