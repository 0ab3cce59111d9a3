package service

import (
	"sync"
)

// Localizer resolves message keys to localized strings for client-facing
// status text.
type Localizer interface {
	Service
	Localize(lang, key string) string
}

// MapLocalizer is an in-memory localizer backed by per-language string maps.
// Unknown keys fall back to the default language, then to the key itself.
type MapLocalizer struct {
	mu          sync.RWMutex
	defaultLang string
	messages    map[string]map[string]string
}

// NewMapLocalizer creates a localizer with the given fallback language.
func NewMapLocalizer(defaultLang string) *MapLocalizer {
	return &MapLocalizer{
		defaultLang: defaultLang,
		messages:    make(map[string]map[string]string),
	}
}

// ServiceName implements Service.
func (l *MapLocalizer) ServiceName() string { return "map-localizer" }

// AddMessages merges messages for a language.
func (l *MapLocalizer) AddMessages(lang string, messages map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.messages[lang]
	if !ok {
		m = make(map[string]string)
		l.messages[lang] = m
	}
	for k, v := range messages {
		m[k] = v
	}
}

// Localize implements Localizer.
func (l *MapLocalizer) Localize(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.messages[lang][key]; ok {
		return v
	}
	if v, ok := l.messages[l.defaultLang][key]; ok {
		return v
	}
	return key
}
