// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package input models remote input events, and dispatches them to an injector.
package input

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies the variant of an Event.
type Kind string

// Event kinds.
const (
	MouseMove     Kind = "mouse_move"
	MouseClick    Kind = "mouse_click"
	MouseScroll   Kind = "mouse_scroll"
	KeyboardType  Kind = "keyboard_type"
	KeyboardPress Kind = "keyboard_press"
)

// Mouse buttons.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// Click actions.
const (
	ActionClick   = "click"
	ActionPress   = "press"
	ActionRelease = "release"
)

// Scroll directions.
const (
	ScrollDown = "down"
	ScrollUp   = "up"
)

// An Event is one input action from a controller.
// Only the fields belonging to Kind are meaningful.
type Event struct {
	Kind      Kind    `json:"kind"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Button    string  `json:"button,omitempty"`
	Action    string  `json:"action,omitempty"`
	Direction string  `json:"direction,omitempty"`
	Text      string  `json:"text,omitempty"`
	Key       string  `json:"key,omitempty"`
}

// ErrInvalidEvent is the cause of every error returned by Validate.
var ErrInvalidEvent = errors.New("invalid input event")

// Validate checks that ev has a known kind, and the fields that kind requires.
func (ev Event) Validate() error {
	switch ev.Kind {
	case MouseMove:
		if ev.X < 0 || ev.Y < 0 {
			return errors.Wrap(ErrInvalidEvent, "negative coordinates")
		}
	case MouseClick:
		switch ev.Button {
		case "", ButtonLeft, ButtonRight, ButtonMiddle:
		default:
			return errors.Wrapf(ErrInvalidEvent, "unknown button %q", ev.Button)
		}
		switch ev.Action {
		case "", ActionClick, ActionPress, ActionRelease:
		default:
			return errors.Wrapf(ErrInvalidEvent, "unknown action %q", ev.Action)
		}
	case MouseScroll:
		switch ev.Direction {
		case "", ScrollDown, ScrollUp:
		default:
			return errors.Wrapf(ErrInvalidEvent, "unknown direction %q", ev.Direction)
		}
	case KeyboardType:
		if ev.Text == "" {
			return errors.Wrap(ErrInvalidEvent, "no text")
		}
	case KeyboardPress:
		if ev.Key == "" {
			return errors.Wrap(ErrInvalidEvent, "no key")
		}
	case "":
		return errors.Wrap(ErrInvalidEvent, "no kind")
	default:
		return errors.Wrapf(ErrInvalidEvent, "unknown kind %q", ev.Kind)
	}
	return nil
}

// specialKeys maps the key names controllers send to canonical names understood by injectors.
var specialKeys = map[string]string{
	"enter":     "enter",
	"return":    "enter",
	"space":     "space",
	" ":         "space",
	"backspace": "backspace",
	"tab":       "tab",
	"esc":       "esc",
	"escape":    "esc",
	"ctrl":      "ctrl",
	"control":   "ctrl",
	"alt":       "alt",
	"shift":     "shift",
}

// CanonicalKey returns the canonical name of a special key.
// Keys which aren't special are returned unchanged.
func CanonicalKey(key string) string {
	if canonical, ok := specialKeys[strings.ToLower(key)]; ok {
		return canonical
	}
	return key
}
