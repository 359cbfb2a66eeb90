package domain

import (
	"strings"
	"time"
)

// Specialty is the closed set of coaching specialties.
type Specialty string

const (
	SpecialtyProductivity Specialty = "productivity"
	SpecialtyGoals        Specialty = "goals"
	SpecialtyHabits       Specialty = "habits"
	SpecialtyMindset      Specialty = "mindset"
	SpecialtyFocus        Specialty = "focus"
	SpecialtyCustom       Specialty = "custom"
)

// ParseSpecialty maps a stored value onto the closed set. Unknown values
// become SpecialtyCustom; callers at read boundaries use this exactly once.
func ParseSpecialty(s string) Specialty {
	switch sp := Specialty(strings.ToLower(strings.TrimSpace(s))); sp {
	case SpecialtyProductivity, SpecialtyGoals, SpecialtyHabits, SpecialtyMindset, SpecialtyFocus, SpecialtyCustom:
		return sp
	default:
		return SpecialtyCustom
	}
}

// Persona is a coach: a named system instruction plus visibility metadata.
type Persona struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar"`
	Specialty   Specialty `json:"specialty"`
	Description string    `json:"description"`
	Instruction string    `json:"-"`
	Prebuilt    bool      `json:"prebuilt"`
	Public      bool      `json:"public"`
	CreatorID   string    `json:"creatorId,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// AccessibleTo reports whether requesterID may converse with the persona.
func (p Persona) AccessibleTo(requesterID string) bool {
	if p.Prebuilt || p.Public {
		return true
	}
	return p.CreatorID != "" && p.CreatorID == requesterID
}
