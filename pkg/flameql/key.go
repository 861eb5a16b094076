// Package flameql renders application keys in the form the ingest endpoint
// expects: app.name{key=value,key2=value2}.
package flameql

import (
	"sort"
	"strings"
	"unicode"
)

// Key is an application name plus its label set.
type Key struct {
	appName string
	labels  map[string]string
}

func NewKey(appName string, labels map[string]string) *Key {
	return &Key{appName: appName, labels: labels}
}

func (k *Key) AppName() string {
	return k.appName
}

func (k *Key) Labels() map[string]string {
	return k.labels
}

// Normalized renders the key with label keys in lexicographic order so that
// one label set always produces one series name. Characters that would break
// key parsing on the server are replaced with underscores.
func (k *Key) Normalized() string {
	if len(k.labels) == 0 {
		return k.appName
	}

	keys := make([]string, 0, len(k.labels))
	for key := range k.labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(k.appName)
	sb.WriteByte('{')
	for i, key := range keys {
		if i != 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(sanitizeKey(key))
		sb.WriteByte('=')
		sb.WriteString(sanitizeValue(k.labels[key]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		if reserved(r) || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, s)
}

func sanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if reserved(r) {
			return '_'
		}
		return r
	}, s)
}

func reserved(r rune) bool {
	switch r {
	case '{', '}', '=', ',':
		return true
	}
	return false
}
