// Package uid builds and parses occurrence identifiers.
//
// A UID has the form {kind}:{id}:{source}. The source descriptor may itself
// contain separators; everything after the second separator belongs to it.
package uid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmcdole/tracklist/internal/domain"
)

const sep = ":"

// ErrMalformed is returned when a string cannot be parsed as a UID
var ErrMalformed = errors.New("malformed uid")

// Parts is a decoded UID
type Parts struct {
	Kind   domain.Kind
	ID     domain.ID
	Source string
}

// UID re-encodes the parts
func (p Parts) UID() domain.UID {
	return New(p.Kind, p.ID, p.Source)
}

// New composes a UID
func New(kind domain.Kind, id domain.ID, source string) domain.UID {
	return domain.UID(string(kind) + sep + strconv.FormatInt(int64(id), 10) + sep + source)
}

// ForLineup builds the UID of the entry at index within page of a lineup
func ForLineup(kind domain.Kind, id domain.ID, prefix string, page, index int) domain.UID {
	return New(kind, id, fmt.Sprintf("%s%s%d%s%d", prefix, sep, page, sep, index))
}

// Child derives the UID of the i-th item nested under parent (a track of a collection entry)
func Child(parent domain.UID, kind domain.Kind, id domain.ID, i int) (domain.UID, error) {
	p, err := Parse(parent)
	if err != nil {
		return "", err
	}
	return New(kind, id, fmt.Sprintf("%s%s%d", p.Source, sep, i)), nil
}

// Parse splits a UID back into kind, id and source
func Parse(u domain.UID) (Parts, error) {
	fields := strings.SplitN(string(u), sep, 3)
	if len(fields) != 3 || fields[2] == "" {
		return Parts{}, fmt.Errorf("%w: %q", ErrMalformed, u)
	}

	kind, err := domain.ParseKind(fields[0])
	if err != nil {
		return Parts{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n <= 0 {
		return Parts{}, fmt.Errorf("%w: bad id in %q", ErrMalformed, u)
	}

	return Parts{Kind: kind, ID: domain.ID(n), Source: fields[2]}, nil
}
