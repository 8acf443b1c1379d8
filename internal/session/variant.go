package session

import (
	"encoding/json"
	"fmt"
)

// Progress holds the fields every game may report. All fields are optional;
// a nil pointer means the key has not been seen yet.
type Progress struct {
	Score          *float64 `json:"score,omitempty"`
	Level          *float64 `json:"level,omitempty"`
	Moves          *float64 `json:"moves,omitempty"`
	CorrectCount   *float64 `json:"correctCount,omitempty"`
	IncorrectCount *float64 `json:"incorrectCount,omitempty"`
}

// Variant is a typed, read-only projection of a snapshot for one game type.
// The snapshot map stays the source of truth; fields a variant does not
// declare are still present in it.
type Variant interface {
	Game() GameType
	Common() Progress
}

// Shape is one placeable shape on the shape matching board.
type Shape struct {
	ID     string  `json:"id"`
	Kind   string  `json:"kind,omitempty"`
	Color  string  `json:"color,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Placed bool    `json:"placed,omitempty"`
}

type ShapeMatching struct {
	Progress
	TargetShape string  `json:"targetShape,omitempty"`
	Shapes      []Shape `json:"shapes,omitempty"`
}

func (v ShapeMatching) Game() GameType   { return ShapeMatchingGame }
func (v ShapeMatching) Common() Progress { return v.Progress }

// Card is one tile of the memory board.
type Card struct {
	ID      string `json:"id"`
	Face    string `json:"face,omitempty"`
	Flipped bool   `json:"flipped,omitempty"`
	Matched bool   `json:"matched,omitempty"`
}

type Memory struct {
	Progress
	Cards        []Card   `json:"cards,omitempty"`
	PairsFound   *float64 `json:"pairsFound,omitempty"`
	FlippedCards []string `json:"flippedCards,omitempty"`
}

func (v Memory) Game() GameType   { return MemoryGame }
func (v Memory) Common() Progress { return v.Progress }

type Coloring struct {
	Progress
	Picture       string            `json:"picture,omitempty"`
	SelectedColor string            `json:"selectedColor,omitempty"`
	Regions       map[string]string `json:"regions,omitempty"`
}

func (v Coloring) Game() GameType   { return ColoringGame }
func (v Coloring) Common() Progress { return v.Progress }

type SoundToImage struct {
	Progress
	CurrentSound string   `json:"currentSound,omitempty"`
	Options      []string `json:"options,omitempty"`
	LastAnswer   string   `json:"lastAnswer,omitempty"`
}

func (v SoundToImage) Game() GameType   { return SoundToImageGame }
func (v SoundToImage) Common() Progress { return v.Progress }

// Unknown is the projection for game types the backend has no schema for.
type Unknown struct {
	Progress
	Type GameType `json:"-"`
}

func (v Unknown) Game() GameType   { return v.Type }
func (v Unknown) Common() Progress { return v.Progress }

// Decode projects data onto the variant for gameType. Unrecognised game
// types decode into Unknown with only the common progress fields.
func Decode(gameType GameType, data Data) (Variant, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", gameType, err)
	}

	var v Variant
	switch gameType {
	case ShapeMatchingGame:
		var sm ShapeMatching
		err = json.Unmarshal(raw, &sm)
		v = sm
	case MemoryGame:
		var m Memory
		err = json.Unmarshal(raw, &m)
		v = m
	case ColoringGame:
		var c Coloring
		err = json.Unmarshal(raw, &c)
		v = c
	case SoundToImageGame:
		var s SoundToImage
		err = json.Unmarshal(raw, &s)
		v = s
	default:
		u := Unknown{Type: gameType}
		err = json.Unmarshal(raw, &u.Progress)
		v = u
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s data: %w", gameType, err)
	}
	return v, nil
}
