// dictionary.go defines the ordered key/value options passed to libav.

package types

import (
	"strings"
)

type DictionaryItem struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// DictionaryItems is an ordered list of options, passed to libav as an AVDictionary.
type DictionaryItems []DictionaryItem

// ParseDictionaryItems parses the flat option syntax "k1=v1:k2=v2".
// Pairs without '=' carry no value and are dropped.
func ParseDictionaryItems(s string) DictionaryItems {
	var result DictionaryItems
	for _, pair := range strings.Split(s, ":") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		result = append(result, DictionaryItem{Key: key, Value: value})
	}
	return result
}

func (s DictionaryItems) String() string {
	var b strings.Builder
	for idx, item := range s {
		if idx > 0 {
			b.WriteByte(':')
		}
		b.WriteString(item.Key)
		b.WriteByte('=')
		b.WriteString(item.Value)
	}
	return b.String()
}

// Get returns the value of the last item with the given key.
func (s DictionaryItems) Get(key string) (string, bool) {
	for idx := len(s) - 1; idx >= 0; idx-- {
		if s[idx].Key == key {
			return s[idx].Value, true
		}
	}
	return "", false
}

// Without returns a copy of the list with the given keys removed.
func (s DictionaryItems) Without(keys ...string) DictionaryItems {
	var result DictionaryItems
	for _, item := range s {
		skip := false
		for _, key := range keys {
			if item.Key == key {
				skip = true
				break
			}
		}
		if !skip {
			result = append(result, item)
		}
	}
	return result
}

// Deduplicate keeps only the last occurrence of each key.
func (s DictionaryItems) Deduplicate() DictionaryItems {
	lastIdx := map[string]int{}
	for idx, item := range s {
		lastIdx[item.Key] = idx
	}
	var result DictionaryItems
	for idx, item := range s {
		if lastIdx[item.Key] != idx {
			continue
		}
		result = append(result, item)
	}
	return result
}
