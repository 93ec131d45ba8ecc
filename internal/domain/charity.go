package domain

import "sort"

// Charity is a donation target supported by the pooled donation flow.
type Charity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	EIN  string `json:"ein"`
}

// charities is the static table of supported charities. EINs live here only and
// are never copied onto settlement records.
var charities = map[string]Charity{
	"american-red-cross":      {ID: "american-red-cross", Name: "American Red Cross", EIN: "53-0196605"},
	"doctors-without-borders": {ID: "doctors-without-borders", Name: "Doctors Without Borders USA", EIN: "13-3433452"},
	"feeding-america":         {ID: "feeding-america", Name: "Feeding America", EIN: "36-3673599"},
	"st-jude":                 {ID: "st-jude", Name: "St. Jude Children's Research Hospital", EIN: "62-0646012"},
	"world-wildlife-fund":     {ID: "world-wildlife-fund", Name: "World Wildlife Fund", EIN: "52-1693387"},
}

// LookupCharity returns the charity with the given ID.
func LookupCharity(id string) (Charity, bool) {
	c, ok := charities[id]
	return c, ok
}

// Charities lists all supported charities ordered by ID.
func Charities() []Charity {
	out := make([]Charity, 0, len(charities))
	for _, c := range charities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
