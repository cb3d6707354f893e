package battle

import (
	"encoding/json"

	"github.com/joker96824/vg-api-sub000/internal/model"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
)

// CardData is the fully disclosed card record.
type CardData struct {
	ID             int64                  `json:"id"`
	Name           string                 `json:"name"`
	Nation         string                 `json:"nation"`
	Clan           string                 `json:"clan"`
	Grade          int                    `json:"grade"`
	Power          int                    `json:"power"`
	Shield         int                    `json:"shield"`
	Critical       int                    `json:"critical"`
	Type           string                 `json:"type"`
	TriggerType    string                 `json:"trigger_type"`
	Ability        string                 `json:"ability"`
	Alias          string                 `json:"alias"`
	Group          string                 `json:"group"`
	Image          string                 `json:"image"`
	AbilityList    []string               `json:"ability_list"`
	Status         []string               `json:"status"`
	Effects        map[string]interface{} `json:"effects"`
	ExtraAbilities []string               `json:"extra_abilities"`
}

// Card is either hidden or a full record, never something in between,
// so an opponent cannot infer anything from partial fields. Hidden
// cards serialize as exactly {"show":false}.
type Card struct {
	hidden bool
	data   *CardData
}

func HiddenCard() Card {
	return Card{hidden: true}
}

func VisibleCard(data CardData) Card {
	return Card{data: &data}
}

func (c Card) IsHidden() bool { return c.hidden }

// Data returns the disclosed record, nil for a hidden card.
func (c Card) Data() *CardData { return c.data }

func (c Card) MarshalJSON() ([]byte, error) {
	if c.hidden {
		return []byte(`{"show":false}`), nil
	}
	if c.data == nil {
		return nil, appErr.ErrInvalidFieldStructure
	}
	return json.Marshal(c.data)
}

func (c *Card) UnmarshalJSON(raw []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return appErr.ErrInvalidFieldStructure
	}

	if showRaw, ok := probe["show"]; ok {
		var show bool
		if err := json.Unmarshal(showRaw, &show); err != nil || show {
			return appErr.ErrInvalidFieldStructure
		}
		// A hidden card carries the marker and nothing else.
		if len(probe) != 1 {
			return appErr.ErrInvalidFieldStructure
		}
		*c = Card{hidden: true}
		return nil
	}

	var data CardData
	if err := json.Unmarshal(raw, &data); err != nil {
		return appErr.ErrInvalidFieldStructure
	}
	if data.ID == 0 {
		return appErr.ErrInvalidFieldStructure
	}
	*c = Card{data: &data}
	return nil
}

// cardFromModel builds the disclosed record from a catalog row.
func cardFromModel(row model.Card) CardData {
	data := CardData{
		ID:             row.ID,
		Name:           row.Name,
		Nation:         row.Nation,
		Clan:           row.Clan,
		Grade:          row.Grade,
		Power:          row.Power,
		Shield:         row.Shield,
		Critical:       row.Critical,
		Type:           row.Type,
		TriggerType:    row.TriggerType,
		Ability:        row.Ability,
		Alias:          row.Alias,
		Group:          row.Group,
		Image:          row.Image,
		AbilityList:    []string{},
		Status:         []string{},
		Effects:        map[string]interface{}{},
		ExtraAbilities: []string{},
	}
	if len(row.AbilityJSON) > 0 {
		var abilities []string
		if err := json.Unmarshal(row.AbilityJSON, &abilities); err == nil {
			data.AbilityList = abilities
		}
	}
	return data
}
