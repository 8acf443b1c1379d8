package session

import (
	"encoding/json"
	"testing"
)

func TestDataMerge(t *testing.T) {
	tests := []struct {
		name    string
		base    Data
		partial Data
		want    Data
	}{
		{
			name:    "EmptyBase",
			base:    Data{},
			partial: Data{"score": 1.0},
			want:    Data{"score": 1.0},
		},
		{
			name:    "OverwritesPresentKeys",
			base:    Data{"score": 1.0, "level": 1.0},
			partial: Data{"score": 10.0},
			want:    Data{"score": 10.0, "level": 1.0},
		},
		{
			name:    "NilPartial",
			base:    Data{"score": 1.0},
			partial: nil,
			want:    Data{"score": 1.0},
		},
		{
			name:    "NullValueIsKeptAsValue",
			base:    Data{"selectedColor": "red"},
			partial: Data{"selectedColor": nil},
			want:    Data{"selectedColor": nil},
		},
		{
			name:    "UnknownFieldsPassThrough",
			base:    Data{"score": 1.0},
			partial: Data{"sparkles": true},
			want:    Data{"score": 1.0, "sparkles": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.base.Merge(tt.partial)
			if len(tt.base) != len(tt.want) {
				t.Fatalf("merged = %v, want %v", tt.base, tt.want)
			}
			for k, v := range tt.want {
				got, ok := tt.base[k]
				if !ok {
					t.Errorf("key %q missing after merge", k)
					continue
				}
				if got != v {
					t.Errorf("merged[%q] = %v, want %v", k, got, v)
				}
			}
		})
	}
}

// Nested values replace wholesale; the merge is key-wise at the top level.
func TestDataMergeReplacesNestedValues(t *testing.T) {
	base := Data{"regions": map[string]any{"sky": "blue", "sun": "yellow"}}
	base.Merge(Data{"regions": map[string]any{"sky": "grey"}})

	regions := base["regions"].(map[string]any)
	if len(regions) != 1 || regions["sky"] != "grey" {
		t.Errorf("regions = %v, want only sky=grey", regions)
	}
}

func TestDataMergeClonesValues(t *testing.T) {
	shapes := []any{map[string]any{"id": "s1", "placed": false}}
	base := Data{}
	base.Merge(Data{"shapes": shapes})

	shapes[0].(map[string]any)["placed"] = true

	got := base["shapes"].([]any)[0].(map[string]any)
	if got["placed"] != false {
		t.Error("Merge kept a reference to the caller's slice")
	}
}

func TestDataCloneNil(t *testing.T) {
	var d Data
	if d.Clone() != nil {
		t.Error("Clone of nil Data should be nil")
	}
}

func TestDataCloneFromJSON(t *testing.T) {
	var d Data
	raw := `{"cards":[{"id":"a","matched":false}],"meta":{"round":1}}`
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}

	c := d.Clone()
	c["cards"].([]any)[0].(map[string]any)["matched"] = true
	c["meta"].(map[string]any)["round"] = 2.0

	if d["cards"].([]any)[0].(map[string]any)["matched"] != false {
		t.Error("Clone shares nested slice elements")
	}
	if d["meta"].(map[string]any)["round"] != 1.0 {
		t.Error("Clone shares nested maps")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}
