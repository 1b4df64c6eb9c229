package domain

import (
	"fmt"
	"strings"
)

// RepeatMode controls what happens at the end of the queue
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatAll
	RepeatSingle
)

// String returns the wire name of the mode
func (r RepeatMode) String() string {
	switch r {
	case RepeatOff:
		return "off"
	case RepeatAll:
		return "all"
	case RepeatSingle:
		return "single"
	default:
		return "unknown"
	}
}

// ParseRepeatMode parses "off", "all" or "single" (case-insensitive)
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off":
		return RepeatOff, nil
	case "all":
		return RepeatAll, nil
	case "single":
		return RepeatSingle, nil
	default:
		return RepeatOff, fmt.Errorf("unknown repeat mode %q", s)
	}
}

func (r RepeatMode) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RepeatMode) UnmarshalText(text []byte) error {
	mode, err := ParseRepeatMode(string(text))
	if err != nil {
		return err
	}
	*r = mode
	return nil
}

// SourceTag names where a queued item came from (a lineup prefix, a collection, ...)
type SourceTag string

// Collectible is a playable item that lives outside the entity catalog
type Collectible struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Queueable is one position of the playback queue
type Queueable struct {
	ID          ID           `json:"id,omitempty"`
	UID         UID          `json:"uid"`
	OwnerID     ID           `json:"owner_id,omitempty"`
	Collectible *Collectible `json:"collectible,omitempty"`
	Source      SourceTag    `json:"source"`
}
