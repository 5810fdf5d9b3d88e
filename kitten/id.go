package kitten

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// ids tag connections in logs and name hub epochs.
// ulids carry their create time, so an epoch version tells when the hub started.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

// millisecond precision
func (self Id) Time() time.Time {
	return ulid.Time(ulid.ULID(self).Time())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}
