// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package input

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ScrollStep is the distance scrolled by one scroll event.
const ScrollStep = 100

// An Injector performs input on the local machine.
// Each method corresponds to one Event kind.
type Injector interface {
	MoveMouse(x, y float64) error
	Click(button, action string) error
	Scroll(dx, dy int) error
	TypeText(text string) error
	PressKey(key string) error
}

// Dispatcher executes events with an Injector.
type Dispatcher struct {
	Injector Injector

	// Scale is the ratio of frame size to screen size.
	// Pointer coordinates arrive in frame space, and are divided by Scale.
	// If 0, coordinates are used unchanged.
	Scale float64

	Log *logrus.Logger
}

// Dispatch executes ev, calling exactly one injector primitive.
// Failures, including panics from the injector, are logged and reported as false.
func (d *Dispatcher) Dispatch(ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logFailure(ev, errors.Errorf("injector panicked: %v", r))
			ok = false
		}
	}()

	if err := ev.Validate(); err != nil {
		d.logFailure(ev, err)
		return false
	}

	if err := d.dispatch(ev); err != nil {
		d.logFailure(ev, err)
		return false
	}
	return true
}

func (d *Dispatcher) dispatch(ev Event) error {
	switch ev.Kind {
	case MouseMove:
		x, y := ev.X, ev.Y
		if d.Scale > 0 {
			x, y = x/d.Scale, y/d.Scale
		}
		return d.Injector.MoveMouse(x, y)

	case MouseClick:
		button := ev.Button
		if button == "" {
			button = ButtonLeft
		}
		action := ev.Action
		if action == "" {
			action = ActionClick
		}
		return d.Injector.Click(button, action)

	case MouseScroll:
		dy := ScrollStep
		if ev.Direction == ScrollUp {
			dy = -ScrollStep
		}
		return d.Injector.Scroll(0, dy)

	case KeyboardType:
		return d.Injector.TypeText(ev.Text)

	case KeyboardPress:
		return d.Injector.PressKey(CanonicalKey(ev.Key))
	}

	return errors.Wrapf(ErrInvalidEvent, "unknown kind %q", ev.Kind)
}

func (d *Dispatcher) logFailure(ev Event, err error) {
	if d.Log == nil {
		return
	}
	d.Log.WithFields(logrus.Fields{
		"kind":  ev.Kind,
		"error": err,
	}).Warn("Input event failed")
}

// LogInjector is an Injector which only logs what it would do.
// It stands in where no platform injector is available.
type LogInjector struct {
	Log *logrus.Logger
}

func (li LogInjector) record(action string, fields logrus.Fields) error {
	if li.Log == nil {
		return nil
	}
	li.Log.WithFields(fields).Info(fmt.Sprintf("Inject %s", action))
	return nil
}

// MoveMouse logs a pointer move.
func (li LogInjector) MoveMouse(x, y float64) error {
	return li.record("mouse move", logrus.Fields{"x": x, "y": y})
}

// Click logs a button action.
func (li LogInjector) Click(button, action string) error {
	return li.record("mouse click", logrus.Fields{"button": button, "action": action})
}

// Scroll logs a scroll.
func (li LogInjector) Scroll(dx, dy int) error {
	return li.record("scroll", logrus.Fields{"dx": dx, "dy": dy})
}

// TypeText logs typed text length; the text itself is not logged.
func (li LogInjector) TypeText(text string) error {
	return li.record("text", logrus.Fields{"length": len(text)})
}

// PressKey logs a key press.
func (li LogInjector) PressKey(key string) error {
	return li.record("key press", logrus.Fields{"key": key})
}
