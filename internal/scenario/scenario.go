// Package scenario provides the training scenario catalog: a fixed set of
// built-in read-back exercises plus user-defined custom scenarios with JSON
// import/export.
package scenario

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Scenario is a single read-back exercise: a scripted controller instruction
// and the read-back a correct response must match.
type Scenario struct {
	// ID uniquely identifies the scenario. Built-in IDs are stable slugs;
	// custom IDs are generated on creation.
	ID string `json:"id"`

	// Title is the short display name.
	Title string `json:"title"`

	// Description explains what the exercise practices.
	Description string `json:"description"`

	// Category groups scenarios in the picker (e.g. "Basic Clearances").
	Category string `json:"category"`

	// Instruction is the scripted controller transmission.
	Instruction string `json:"instruction"`

	// ExpectedReadback is the model answer the grading compares against.
	ExpectedReadback string `json:"expected_readback"`

	// Custom marks user-defined scenarios, which can be deleted.
	Custom bool `json:"custom,omitempty"`
}

// Validate checks that the scenario has the fields grading depends on.
func (s Scenario) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if strings.TrimSpace(s.Instruction) == "" {
		errs = append(errs, errors.New("instruction is required"))
	}
	if strings.TrimSpace(s.ExpectedReadback) == "" {
		errs = append(errs, errors.New("expected_readback is required"))
	}
	return errors.Join(errs...)
}

// Builtin returns a fresh copy of the bundled scenario set.
func Builtin() []Scenario {
	out := make([]Scenario, len(builtins))
	copy(out, builtins)
	return out
}

var builtins = []Scenario{
	{
		ID:               "builtin-initial-taxi-clearance",
		Title:            "Initial Taxi Clearance",
		Description:      "Practice receiving and reading back your initial taxi clearance from the ground controller.",
		Category:         "Basic Clearances",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, Boston Ground, Runway Two-Two Right, taxi via Alpha, hold short of Charlie.",
		ExpectedReadback: "Runway Two-Two Right, taxi via Alpha, hold short of Charlie, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-altitude-change",
		Title:            "Altitude Change",
		Description:      "Practice responding to a new altitude assignment from the departure controller.",
		Category:         "Flight Maneuvers",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, climb and maintain one-zero thousand.",
		ExpectedReadback: "Climb and maintain one-zero thousand, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-frequency-change",
		Title:            "Frequency Change",
		Description:      "Practice acknowledging a handoff to a new controller frequency.",
		Category:         "Basic Clearances",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, contact Boston Center on one-two-eight point eight.",
		ExpectedReadback: "One-two-eight point eight, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-takeoff-clearance",
		Title:            "Takeoff Clearance",
		Description:      "Practice reading back a clearance for takeoff.",
		Category:         "Basic Clearances",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, Runway Two-Two Right, wind two-one-zero at one-zero, cleared for takeoff.",
		ExpectedReadback: "Cleared for takeoff, Runway Two-Two Right, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-hold-short",
		Title:            "Hold Short Instruction",
		Description:      "Practice acknowledging an instruction to hold short of an active runway.",
		Category:         "Flight Maneuvers",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, hold short of Runway Two-Seven.",
		ExpectedReadback: "Holding short Runway Two-Seven, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-holding-pattern",
		Title:            "Holding Pattern Instruction",
		Description:      "Practice reading back instructions to enter a holding pattern.",
		Category:         "Advanced Procedures",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, hold northeast of the Boston VOR on the zero-niner-zero radial, five mile legs, right turns, maintain six thousand.",
		ExpectedReadback: "Hold northeast of the Boston VOR, zero-niner-zero radial, five mile legs, right turns, maintain six thousand, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-amended-route",
		Title:            "Amended Route Clearance",
		Description:      "Practice reading back a complex amended route clearance.",
		Category:         "Advanced Procedures",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, cleared to the Boston airport via direct Providence, Victor one-six, then as filed. Climb and maintain flight level two-four-zero.",
		ExpectedReadback: "Cleared to Boston via direct Providence, Victor one-six, then as filed, climb and maintain flight level two-four-zero, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-ils-approach",
		Title:            "ILS Approach Clearance",
		Description:      "Practice reading back a full instrument approach clearance.",
		Category:         "Advanced Procedures",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, seven miles from the outer marker, turn right heading two-five-zero, maintain three thousand until established on the localizer, cleared ILS Runway Two-Two Right approach.",
		ExpectedReadback: "Turn right heading two-five-zero, maintain three thousand until established, cleared ILS Runway Two-Two Right approach, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-traffic-advisory",
		Title:            "Traffic Advisory",
		Description:      "Practice the standard response to an ATC traffic advisory.",
		Category:         "Flight Maneuvers",
		Instruction:      "November-One-Two-Three-Alpha-Bravo, traffic twelve o-clock, five miles, opposite direction, a Boeing 737 at one-one thousand.",
		ExpectedReadback: "Looking for traffic, November-One-Two-Three-Alpha-Bravo.",
	},
	{
		ID:               "builtin-airport-diversion",
		Title:            "Airport Diversion (Emergency)",
		Description:      "Simulate an emergency by responding to an unexpected airport closure and diversion.",
		Category:         "Emergency Procedures",
		Instruction:      "Mayday, Mayday, Mayday, all aircraft, Boston airport is closed. November-One-Two-Three-Alpha-Bravo, your new destination is Providence. Turn left heading one-eight-zero, vectors to Providence, descend and maintain five thousand.",
		ExpectedReadback: "Left heading one-eight-zero, descend and maintain five thousand, proceeding direct Providence, November-One-Two-Three-Alpha-Bravo.",
	},
}

var (
	// ErrNotFound is returned when no scenario exists with the requested ID.
	ErrNotFound = errors.New("scenario: not found")

	// ErrBuiltin is returned when a caller tries to modify or delete a
	// built-in scenario.
	ErrBuiltin = errors.New("scenario: built-in scenarios cannot be modified")
)

// Catalog merges the built-in set with user-defined custom scenarios.
// Safe for concurrent use.
type Catalog struct {
	mu     sync.Mutex
	custom []Scenario
	seq    int
}

// NewCatalog returns a Catalog with no custom scenarios.
func NewCatalog() *Catalog {
	return &Catalog{}
}

// All returns the built-in scenarios followed by the custom ones, in
// insertion order.
func (c *Catalog) All() []Scenario {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Scenario, 0, len(builtins)+len(c.custom))
	out = append(out, builtins...)
	out = append(out, c.custom...)
	return out
}

// Custom returns only the user-defined scenarios.
func (c *Catalog) Custom() []Scenario {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Scenario, len(c.custom))
	copy(out, c.custom)
	return out
}

// Get looks up a scenario by ID across both sets.
func (c *Catalog) Get(id string) (Scenario, error) {
	for _, s := range builtins {
		if s.ID == id {
			return s, nil
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.custom {
		if s.ID == id {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Add validates and stores a custom scenario, assigning it a fresh ID.
// The stored scenario is returned.
func (c *Catalog) Add(s Scenario) (Scenario, error) {
	if err := s.Validate(); err != nil {
		return Scenario{}, fmt.Errorf("scenario: invalid: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	s.ID = fmt.Sprintf("custom-%d-%d", time.Now().UnixMilli(), c.seq)
	s.Custom = true
	c.custom = append(c.custom, s)
	return s, nil
}

// Delete removes a custom scenario by ID. Built-in scenarios cannot be
// deleted.
func (c *Catalog) Delete(id string) error {
	for _, s := range builtins {
		if s.ID == id {
			return ErrBuiltin
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.custom {
		if s.ID == id {
			c.custom = append(c.custom[:i], c.custom[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotFound, id)
}

// Load replaces the custom set, used when restoring persisted scenarios.
// Entries that fail validation are skipped.
func (c *Catalog) Load(scenarios []Scenario) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = c.custom[:0]
	for _, s := range scenarios {
		if s.Validate() != nil {
			continue
		}
		s.Custom = true
		c.custom = append(c.custom, s)
	}
}
