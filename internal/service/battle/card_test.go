package battle

import (
	"encoding/json"
	"testing"
)

func TestHiddenCardMarshalsToBareMarker(t *testing.T) {
	data, err := json.Marshal(HiddenCard())
	if err != nil {
		t.Fatalf("marshal hidden card: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("hidden card must carry only the marker, got %v", decoded)
	}
	if show, ok := decoded["show"].(bool); !ok || show {
		t.Fatalf("expected show=false, got %v", decoded["show"])
	}
}

func TestVisibleCardRoundTrip(t *testing.T) {
	card := VisibleCard(CardData{
		ID:    42,
		Name:  "Blaster Blade",
		Clan:  "Royal Paladin",
		Grade: 2,
		Power: 9000,
	})
	data, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Card
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.IsHidden() {
		t.Fatal("visible card decoded as hidden")
	}
	if decoded.Data().ID != 42 || decoded.Data().Name != "Blaster Blade" {
		t.Fatalf("unexpected card data: %+v", decoded.Data())
	}
}

func TestHiddenMarkerWithExtraKeysRejected(t *testing.T) {
	var card Card
	if err := json.Unmarshal([]byte(`{"show":false,"name":"peek"}`), &card); err == nil {
		t.Fatal("partially populated hidden card must be rejected")
	}
	if err := json.Unmarshal([]byte(`{"show":true}`), &card); err == nil {
		t.Fatal("show=true marker must be rejected")
	}
}
