package sqlcgen

import "time"

type Preference struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}
