package domain

import (
	"testing"
)

func TestBitmask(t *testing.T) {
	var m Bitmask
	if _, ok := m.Top(); ok {
		t.Fatal("Expected empty mask to have no top category")
	}

	m = m.With(CategoryReactionOnly).With(CategoryThank).With(Category("unknown"))
	if !m.Has(CategoryThank) || !m.Has(CategoryReactionOnly) {
		t.Fatalf("Expected thank and reaction_only bits, got %b", m)
	}
	if m.Has(CategoryGoodbye) {
		t.Error("Expected goodbye bit to be clear")
	}
	if want := Bitmask(1<<2 | 1<<5); m != want {
		t.Errorf("mask = %b, want %b", m, want)
	}

	top, ok := m.Top()
	if !ok || top != CategoryThank {
		t.Errorf("Top() = %q, %v, want thank", top, ok)
	}

	cats := m.Categories()
	if len(cats) != 2 || cats[0] != CategoryThank || cats[1] != CategoryReactionOnly {
		t.Errorf("Categories() = %v", cats)
	}
}

func TestCategoryRank(t *testing.T) {
	for i, c := range CategoryOrder {
		if c.Rank() != i {
			t.Errorf("%s.Rank() = %d, want %d", c, c.Rank(), i)
		}
		if c.PriorityWeight() != 1<<i {
			t.Errorf("%s.PriorityWeight() = %d, want %d", c, c.PriorityWeight(), 1<<i)
		}
	}
	if LabelMeaningful.Rank() != UnrankedPriority || LabelMeaningful.Known() {
		t.Error("Expected meaningful to stay outside the priority table")
	}
}

func TestHighestPriority(t *testing.T) {
	got, ok := HighestPriority(CategoryConnectorFiller, CategoryGreeting, LabelMeaningful, CategoryCallOnly)
	if !ok || got != CategoryGreeting {
		t.Errorf("HighestPriority() = %q, %v, want greeting", got, ok)
	}
	if _, ok := HighestPriority(LabelMeaningful); ok {
		t.Error("Expected no known category")
	}
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory("  Call_Only ")
	if !ok || c != CategoryCallOnly {
		t.Errorf("ParseCategory() = %q, %v", c, ok)
	}
	if _, ok := ParseCategory("meaningful"); ok {
		t.Error("Expected meaningful to be reported as unknown")
	}
}

func TestParseTone(t *testing.T) {
	tests := map[string]Tone{
		"Friendly": ToneFriendly,
		" calm ":   ToneCalm,
		"":         ToneNeutral,
		"angry":    ToneNeutral,
	}
	for in, want := range tests {
		if got := ParseTone(in); got != want {
			t.Errorf("ParseTone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScoreTop(t *testing.T) {
	s := Score{Label: CategoryThank, Probs: map[Category]float64{
		CategoryThank:    0.7,
		CategoryGreeting: 0.2,
		LabelMeaningful:  0.1,
	}}
	top, second := s.Top()
	if top != 0.7 || second != 0.2 {
		t.Errorf("Top() = %v, %v", top, second)
	}
}

func TestResourcesAdd(t *testing.T) {
	a := Resources{CostUSD: 1, EnergyWh: 2, CO2g: 3, WaterML: 4}
	sum := a.Add(a)
	if sum != (Resources{CostUSD: 2, EnergyWh: 4, CO2g: 6, WaterML: 8}) {
		t.Errorf("Add() = %+v", sum)
	}
	if !(Resources{}).IsZero() || a.IsZero() {
		t.Error("IsZero() mismatch")
	}
}
