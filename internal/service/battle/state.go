package battle

import (
	"encoding/json"
	"time"

	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
)

type Phase string

const (
	PhaseReset         Phase = "reset"
	PhaseDraw          Phase = "draw"
	PhaseRide          Phase = "ride"
	PhaseMain          Phase = "main"
	PhaseBattle        Phase = "battle"
	PhaseBattleStart   Phase = "battle_start"
	PhaseBattleAttack  Phase = "battle_attack"
	PhaseBattleDefence Phase = "battle_defence"
	PhaseBattleTrigger Phase = "battle_trigger"
	PhaseBattleDamage  Phase = "battle_damage"
	PhaseBattleEnd     Phase = "battle_end"
	PhaseTurnEnd       Phase = "turnend"
)

var validPhases = map[Phase]bool{
	PhaseReset:         true,
	PhaseDraw:          true,
	PhaseRide:          true,
	PhaseMain:          true,
	PhaseBattle:        true,
	PhaseBattleStart:   true,
	PhaseBattleAttack:  true,
	PhaseBattleDefence: true,
	PhaseBattleTrigger: true,
	PhaseBattleDamage:  true,
	PhaseBattleEnd:     true,
	PhaseTurnEnd:       true,
}

func ValidPhase(p Phase) bool { return validPhases[p] }

// Named play areas. Every area except the effects area holds an ordered
// card sequence; the effects area is a map of continuous effects.
const (
	AreaHand    = "hand"
	AreaDeck    = "deck"
	AreaRide    = "ride"
	AreaGDeck   = "gdeck"
	AreaToken   = "token"
	AreaField   = "field"
	AreaSoul    = "soul"
	AreaDrop    = "drop"
	AreaDamage  = "damage"
	AreaBind    = "bind"
	AreaGuard   = "guard"
	AreaTrigger = "trigger"
	AreaEffect  = "effect"
)

var cardAreas = []string{
	AreaHand, AreaDeck, AreaRide, AreaGDeck, AreaToken, AreaField,
	AreaSoul, AreaDrop, AreaDamage, AreaBind, AreaGuard, AreaTrigger,
}

// Areas the opposing player never sees card faces for.
var concealedAreas = []string{AreaHand, AreaDeck, AreaGDeck}

// PlayerField is one player's half of the battle: a fixed set of card
// sequences plus the continuous-effects map.
type PlayerField struct {
	Cards   map[string][]Card
	Effects map[string]interface{}
}

func NewPlayerField() *PlayerField {
	f := &PlayerField{
		Cards:   make(map[string][]Card, len(cardAreas)),
		Effects: map[string]interface{}{},
	}
	for _, area := range cardAreas {
		f.Cards[area] = []Card{}
	}
	return f
}

// Validate checks area completeness. Container types and the card
// disclosure invariant are enforced by the JSON codecs; this guards
// fields assembled in code.
func (f *PlayerField) Validate() error {
	if f == nil || f.Cards == nil || f.Effects == nil {
		return appErr.ErrInvalidFieldStructure
	}
	if len(f.Cards) != len(cardAreas) {
		return appErr.ErrInvalidFieldStructure
	}
	for _, area := range cardAreas {
		cards, ok := f.Cards[area]
		if !ok || cards == nil {
			return appErr.ErrInvalidFieldStructure
		}
		for _, card := range cards {
			if !card.IsHidden() && card.Data() == nil {
				return appErr.ErrInvalidFieldStructure
			}
		}
	}
	return nil
}

func (f *PlayerField) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(cardAreas)+1)
	for _, area := range cardAreas {
		out[area] = f.Cards[area]
	}
	out[AreaEffect] = f.Effects
	return json.Marshal(out)
}

func (f *PlayerField) UnmarshalJSON(raw []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return appErr.ErrInvalidFieldStructure
	}
	if len(probe) != len(cardAreas)+1 {
		return appErr.ErrInvalidFieldStructure
	}

	parsed := PlayerField{Cards: make(map[string][]Card, len(cardAreas))}
	for _, area := range cardAreas {
		data, ok := probe[area]
		if !ok {
			return appErr.ErrInvalidFieldStructure
		}
		var cards []Card
		if err := json.Unmarshal(data, &cards); err != nil {
			return appErr.ErrInvalidFieldStructure
		}
		if cards == nil {
			cards = []Card{}
		}
		parsed.Cards[area] = cards
	}

	effectData, ok := probe[AreaEffect]
	if !ok {
		return appErr.ErrInvalidFieldStructure
	}
	if err := json.Unmarshal(effectData, &parsed.Effects); err != nil {
		return appErr.ErrInvalidFieldStructure
	}
	if parsed.Effects == nil {
		parsed.Effects = map[string]interface{}{}
	}

	*f = parsed
	return nil
}

// conceal replaces every card in the concealed areas with the hidden
// placeholder. Clones the field, the receiver is untouched.
func (f *PlayerField) conceal() *PlayerField {
	out := &PlayerField{
		Cards:   make(map[string][]Card, len(cardAreas)),
		Effects: f.Effects,
	}
	hidden := map[string]bool{}
	for _, area := range concealedAreas {
		hidden[area] = true
	}
	for area, cards := range f.Cards {
		if !hidden[area] {
			out.Cards[area] = cards
			continue
		}
		masked := make([]Card, len(cards))
		for i := range cards {
			masked[i] = HiddenCard()
		}
		out.Cards[area] = masked
	}
	return out
}

// State is the authoritative snapshot of one battle, stored as a single
// document keyed by battle id.
type State struct {
	BattleID      string       `json:"battle_id"`
	RoomID        int64        `json:"room_id"`
	Player1ID     int64        `json:"player1_id"`
	Player2ID     int64        `json:"player2_id"`
	FirstPlayer   int64        `json:"first_player"`
	TurnNumber    int          `json:"turn_number"`
	CurrentPlayer int64        `json:"current_player"`
	Phase         Phase        `json:"phase"`
	Player1Field  *PlayerField `json:"player1_field"`
	Player2Field  *PlayerField `json:"player2_field"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (st *State) IsParticipant(userID int64) bool {
	return userID == st.Player1ID || userID == st.Player2ID
}

// Validate is the structural rule applied to every read used for
// gameplay.
func (st *State) Validate() error {
	if st.BattleID == "" || st.Player1ID == 0 || st.Player2ID == 0 || st.Player1ID == st.Player2ID {
		return appErr.ErrInvalidFieldStructure
	}
	if !st.IsParticipant(st.CurrentPlayer) || !st.IsParticipant(st.FirstPlayer) {
		return appErr.ErrInvalidFieldStructure
	}
	if st.TurnNumber < 1 {
		return appErr.ErrInvalidFieldStructure
	}
	if !ValidPhase(st.Phase) {
		return appErr.ErrInvalidFieldStructure
	}
	if err := st.Player1Field.Validate(); err != nil {
		return err
	}
	return st.Player2Field.Validate()
}

// SanitizeFor returns a copy of the state as the given participant may
// see it: the opponent's concealed areas become hidden placeholders.
func (st *State) SanitizeFor(viewerID int64) *State {
	out := *st
	if viewerID != st.Player1ID {
		out.Player1Field = st.Player1Field.conceal()
	}
	if viewerID != st.Player2ID {
		out.Player2Field = st.Player2Field.conceal()
	}
	return &out
}
