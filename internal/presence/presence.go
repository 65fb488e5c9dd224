// Package presence models an account's identity and the presence it announces
// on the gateway: online status, custom status text and emoji, and an optional
// rich activity card.
package presence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Status is the online status shown next to an account.
type Status string

const (
	StatusOnline       = Status(discordgo.StatusOnline)
	StatusIdle         = Status(discordgo.StatusIdle)
	StatusDoNotDisturb = Status(discordgo.StatusDoNotDisturb)
	StatusInvisible    = Status(discordgo.StatusInvisible)
	StatusOffline      = Status(discordgo.StatusOffline)
)

// ParseStatus validates a configured status value.
func ParseStatus(value string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusOnline, StatusIdle, StatusDoNotDisturb, StatusInvisible, StatusOffline:
		return s, nil
	case "":
		return "", errors.New("status is required")
	default:
		return "", fmt.Errorf("unknown status %q", value)
	}
}

// Emoji decorates the custom status. ID is nil for unicode emoji.
type Emoji struct {
	ID   *string
	Name string
}

// Button is a link rendered under a rich activity.
type Button struct {
	Label string
	URL   string
}

// Assets are the images and hover texts of a rich activity.
type Assets struct {
	LargeImage string
	LargeText  string
	SmallImage string
	SmallText  string
}

// Timestamps bound a rich activity in unix milliseconds. Zero means unset.
type Timestamps struct {
	Start int64
	End   int64
}

// IsZero reports whether neither bound is set.
func (t Timestamps) IsZero() bool {
	return t.Start == 0 && t.End == 0
}

// Activity is the rich presence card shown under the custom status.
type Activity struct {
	// ID is the application id the card is attributed to.
	ID      string
	Name    string
	Details string

	// Type is the free-form tag from the roster. It is carried for display
	// only; the card is always announced as watching.
	Type string

	Assets     *Assets
	Timestamps *Timestamps
	Buttons    []Button
}

// Presence is everything an account announces about itself.
type Presence struct {
	Status Status

	// Text is the custom status line. Nil means no text; a pointer to ""
	// is an explicitly empty line.
	Text     *string
	Emoji    *Emoji
	Activity *Activity
}

// Validate checks that the presence can be encoded.
func (p Presence) Validate() error {
	if _, err := ParseStatus(string(p.Status)); err != nil {
		return err
	}
	if p.Emoji != nil && p.Emoji.Name == "" {
		return errors.New("emoji name is required")
	}
	if a := p.Activity; a != nil {
		if a.ID == "" {
			return errors.New("activity id is required")
		}
		if a.Name == "" {
			return errors.New("activity name is required")
		}
		for i, b := range a.Buttons {
			if b.Label == "" || b.URL == "" {
				return fmt.Errorf("activity button %d needs a label and url", i)
			}
		}
	}
	return nil
}

// Identity is an account as the gateway sees it. It is immutable once built.
type Identity struct {
	Name     string
	Token    string
	Presence Presence
}

// Validate checks the identity for the fields needed to identify.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(i.Token) == "" {
		return errors.New("token is required")
	}
	if err := i.Presence.Validate(); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	return nil
}

// String returns a pointer to s, for building optional text fields.
func String(s string) *string {
	return &s
}
