package payload

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// CurrentSelectionsVersion is the only schema version accepted from checkout
// metadata.
const CurrentSelectionsVersion = 1

// TicketSelections travels in the checkout session metadata as
// {"version":1,"items":[{"type":"GA","qty":2}]} and is stored unchanged on the
// order.
type TicketSelections struct {
	Version int               `json:"version" validate:"eq=1"`
	Items   []TicketSelection `json:"items" validate:"required,min=1,max=50,unique=Type,dive"`
}

type TicketSelection struct {
	Type     string `json:"type" validate:"required,max=64"`
	Quantity int    `json:"qty" validate:"required,min=1,max=100"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func ParseTicketSelections(raw []byte) (TicketSelections, error) {
	var s TicketSelections

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return TicketSelections{}, errors.Wrap(err, "decode ticket selections")
	}
	if err := s.Validate(); err != nil {
		return TicketSelections{}, err
	}
	return s, nil
}

func (s TicketSelections) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(err, "invalid ticket selections")
	}
	return nil
}

// Units is the number of tickets the selections translate into.
func (s TicketSelections) Units() int {
	n := 0
	for _, item := range s.Items {
		n += item.Quantity
	}
	return n
}

func (s TicketSelections) Marshal() ([]byte, error) {
	return json.Marshal(s)
}
