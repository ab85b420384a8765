package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is one of the fixed donation categories.
type Category string

const (
	CategoryBrinquedos Category = "brinquedos"
	CategoryAlimentos  Category = "alimentos"
	CategoryRoupas     Category = "roupas"
	CategoryMoveis     Category = "moveis"
	CategoryOutros     Category = "outros"
)

// Categories lists every category in schema order. Label generation and
// JSON encoding of selections follow this order.
var Categories = [...]Category{
	CategoryBrinquedos,
	CategoryAlimentos,
	CategoryRoupas,
	CategoryMoveis,
	CategoryOutros,
}

func (c Category) index() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return -1
}

func (c Category) Valid() bool {
	return c.index() >= 0
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// CategorySelection holds a flag for every category. The zero value selects
// nothing and is fully populated by construction.
type CategorySelection struct {
	flags [len(Categories)]bool
}

func NewCategorySelection(selected ...Category) CategorySelection {
	var s CategorySelection
	for _, c := range selected {
		if i := c.index(); i >= 0 {
			s.flags[i] = true
		}
	}
	return s
}

// ParseCategorySelection rejects unknown keys; missing keys stay false.
func ParseCategorySelection(m map[string]bool) (CategorySelection, error) {
	var s CategorySelection
	for key, selected := range m {
		c, err := ParseCategory(key)
		if err != nil {
			return CategorySelection{}, err
		}
		s.flags[c.index()] = selected
	}
	return s, nil
}

// ParseCategoryList parses a comma separated list such as "roupas,alimentos".
func ParseCategoryList(raw string) (CategorySelection, error) {
	var s CategorySelection
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCategory(part)
		if err != nil {
			return CategorySelection{}, err
		}
		s.flags[c.index()] = true
	}
	return s, nil
}

func (s CategorySelection) Has(c Category) bool {
	i := c.index()
	return i >= 0 && s.flags[i]
}

func (s CategorySelection) With(c Category, selected bool) CategorySelection {
	if i := c.index(); i >= 0 {
		s.flags[i] = selected
	}
	return s
}

func (s CategorySelection) Any() bool {
	for _, f := range s.flags {
		if f {
			return true
		}
	}
	return false
}

// Selected returns the selected categories in schema order.
func (s CategorySelection) Selected() []Category {
	out := make([]Category, 0, len(Categories))
	for i, f := range s.flags {
		if f {
			out = append(out, Categories[i])
		}
	}
	return out
}

func (s CategorySelection) Map() map[string]bool {
	m := make(map[string]bool, len(Categories))
	for i, c := range Categories {
		m[string(c)] = s.flags[i]
	}
	return m
}

// Label joins the selected category names with ", " in schema order.
func (s CategorySelection) Label() string {
	selected := s.Selected()
	names := make([]string, len(selected))
	for i, c := range selected {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// MarshalJSON writes all five keys in schema order.
func (s CategorySelection) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, c := range Categories {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%t", c, s.flags[i])
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func (s *CategorySelection) UnmarshalJSON(data []byte) error {
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := ParseCategorySelection(m)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
