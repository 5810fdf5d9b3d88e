package kitten

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// a tracked contributor. `Email` is the identity key.
// `Revisions` is append-only, in arrival order.
type Kitten struct {
	Email     string
	Name      string
	Revisions []Revision
}

func NewKitten(email string, name string, revisions ...Revision) *Kitten {
	return &Kitten{
		Email:     email,
		Name:      name,
		Revisions: append([]Revision{}, revisions...),
	}
}

// the local part of the email, used as a short display handle
func (self *Kitten) Username() string {
	if i := strings.Index(self.Email, "@"); 0 <= i {
		return self.Email[:i]
	}
	return self.Email
}

func (self *Kitten) add(revision Revision) {
	self.Revisions = append(self.Revisions, revision)
}

func (self *Kitten) clone() *Kitten {
	revisions := slices.Clone(self.Revisions)
	if revisions == nil {
		revisions = []Revision{}
	}
	return &Kitten{
		Email:     self.Email,
		Name:      self.Name,
		Revisions: revisions,
	}
}

// one unit of work attributed to one or more kittens.
// `Kittens` is only populated for changes carried in a snapshot history;
// a change delta carries the affected emails at the envelope level.
type Change struct {
	Revision Revision
	Author   string
	Date     string
	Comment  string
	Kittens  []string `json:",omitempty"`
}

// opaque ordered revision identifier.
// On the wire a revision may be a json number or string. It keeps the kind it arrived as.
type Revision struct {
	token
}

// canonical integer text is a number revision. Any other text is a string revision.
func ParseRevision(text string) Revision {
	return Revision{parseToken(text)}
}

func (self Revision) Int64() (int64, bool) {
	v, err := strconv.ParseInt(self.text, 10, 64)
	return v, err == nil
}

// integer revisions order numerically and sort before non-integer revisions,
// which order lexically
func CompareRevisions(a Revision, b Revision) int {
	aInt, aOk := a.Int64()
	bInt, bOk := b.Int64()
	switch {
	case aOk && bOk:
		if aInt < bInt {
			return -1
		} else if bInt < aInt {
			return 1
		}
		return 0
	case aOk:
		return -1
	case bOk:
		return 1
	default:
		return strings.Compare(a.text, b.text)
	}
}

// opaque epoch token sent with every snapshot. Only equality is meaningful.
type Version struct {
	token
}

func ParseVersion(text string) Version {
	return Version{parseToken(text)}
}

// a json number or string held as its text
type token struct {
	text   string
	number bool
}

func parseToken(text string) token {
	if v, err := strconv.ParseInt(text, 10, 64); err == nil && strconv.FormatInt(v, 10) == text {
		return token{text: text, number: true}
	}
	return token{text: text}
}

func (self token) String() string {
	return self.text
}

func (self token) IsZero() bool {
	return self.text == ""
}

// a number token always holds the literal it was decoded or parsed from
func (self token) MarshalJSON() ([]byte, error) {
	if self.number {
		return []byte(self.text), nil
	}
	return json.Marshal(self.text)
}

// accepts a json string or number. null is the zero token.
func (self *token) UnmarshalJSON(src []byte) error {
	src = bytes.TrimSpace(src)
	if len(src) == 0 {
		return fmt.Errorf("empty token")
	}
	switch src[0] {
	case '"':
		var s string
		if err := json.Unmarshal(src, &s); err != nil {
			return err
		}
		*self = token{text: s}
	case 'n':
		if string(src) != "null" {
			return fmt.Errorf("unexpected token %s", src)
		}
		*self = token{}
	default:
		var n json.Number
		if err := json.Unmarshal(src, &n); err != nil {
			return err
		}
		*self = token{text: n.String(), number: true}
	}
	return nil
}
