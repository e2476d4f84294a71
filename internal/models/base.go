package models

import (
	"github.com/google/uuid"
)

type IBase interface {
	GenIDIfEmpty()
	GenID()
	SetID(id string)
}

// Base embeds the document identifier shared by all collections.
// IDs are UUID strings so they stay readable in logs and API payloads.
type Base struct {
	ID string `bson:"_id,omitempty" json:"id,omitempty"`
}

func (m *Base) GenIDIfEmpty() {
	if m.ID == "" {
		m.GenID()
	}
}

func (m *Base) GenID() {
	m.ID = uuid.NewString()
}

func (m *Base) SetID(id string) {
	m.ID = id
}

func NewBase() Base {
	return Base{
		ID: uuid.NewString(),
	}
}
