package model

import "time"

// Environment is the deployment environment a flag applies to
type Environment string

const (
	EnvironmentProduction  Environment = "Production"
	EnvironmentStaging     Environment = "Staging"
	EnvironmentDevelopment Environment = "Development"
)

// Valid reports whether e is one of the known environments
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment:
		return true
	default:
		return false
	}
}

// Flag is a feature flag record. The ID is assigned by the allocator and
// never changes.
type Flag struct {
	ID          int64       `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Environment Environment `json:"environment" yaml:"environment"`
	Enabled     bool        `json:"enabled" yaml:"enabled"`
	CreatedAt   string      `json:"created_at" yaml:"created_at"`
	ModifiedAt  string      `json:"modified_at,omitempty" yaml:"modified_at,omitempty"`
	Tags        []string    `json:"tags" yaml:"tags"`
	Description string      `json:"description" yaml:"description"`
}

// Normalize replaces a nil tag list with an empty one so records always
// serialize "tags" as an array.
func (f *Flag) Normalize() *Flag {
	if f.Tags == nil {
		f.Tags = []string{}
	}
	return f
}

// Clone returns a deep copy of the flag
func (f *Flag) Clone() *Flag {
	c := *f
	c.Tags = append([]string{}, f.Tags...)
	return &c
}

// FlagPatch is a metadata edit. Name is always written; nil optional
// fields are left untouched.
type FlagPatch struct {
	Name        string
	Description *string
	Tags        []string
	ModifiedAt  *string
}

// Apply writes the patch onto f
func (p FlagPatch) Apply(f *Flag) {
	f.Name = p.Name
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Tags != nil {
		f.Tags = append([]string{}, p.Tags...)
	}
	if p.ModifiedAt != nil {
		f.ModifiedAt = *p.ModifiedAt
	}
}

// Timestamp formats t the way created_at values are stored
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
