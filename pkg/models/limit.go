package models

import "time"

// ConcurrencyLimit is a named, shared rate-limit resource. Capacity bounds the
// number of outstanding slot grants; DecayPerSecond is the rate at which
// granted slots become available again. There is no explicit release call:
// slots are reclaimed by decay alone, so a resource with decay 0 blocks
// acquirers once its capacity is exhausted.
type ConcurrencyLimit struct {
	Name           string    `json:"name" db:"name" yaml:"name"`
	Capacity       int       `json:"capacity" db:"capacity" yaml:"capacity"`
	DecayPerSecond float64   `json:"decay_per_second" db:"decay_per_second" yaml:"decay_per_second"`
	CreatedAt      time.Time `json:"created_at,omitempty" db:"created_at" yaml:"-"`
}
