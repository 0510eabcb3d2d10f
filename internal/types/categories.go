package types

import "strings"

// CategorySet is an ordered, de-duplicated set of category identifiers.
// Membership is always by whole element; "1" never matches "12".
type CategorySet []string

// NewCategorySet builds a set from ids, trimming blanks and dropping duplicates
// while keeping first-seen order.
func NewCategorySet(ids ...string) CategorySet {
	out := make(CategorySet, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ParseCategorySet reads the legacy comma-separated form ("1,2,12").
func ParseCategorySet(s string) CategorySet {
	if strings.TrimSpace(s) == "" {
		return CategorySet{}
	}
	return NewCategorySet(strings.Split(s, ",")...)
}

// String renders the comma-separated form.
func (c CategorySet) String() string {
	return strings.Join(c, ",")
}

// Empty reports whether the set has no elements.
func (c CategorySet) Empty() bool { return len(c) == 0 }

// Contains reports exact membership of id.
func (c CategorySet) Contains(id string) bool {
	for _, v := range c {
		if v == id {
			return true
		}
	}
	return false
}

// Intersect returns the elements of c that are also in other, in c's order.
func (c CategorySet) Intersect(other CategorySet) CategorySet {
	if len(c) == 0 || len(other) == 0 {
		return CategorySet{}
	}
	lookup := make(map[string]struct{}, len(other))
	for _, v := range other {
		lookup[v] = struct{}{}
	}
	out := make(CategorySet, 0, len(c))
	for _, v := range c {
		if _, ok := lookup[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Intersects reports whether the two sets share at least one element.
func (c CategorySet) Intersects(other CategorySet) bool {
	return !c.Intersect(other).Empty()
}

// Strings returns the set as a plain slice for text[] parameters.
func (c CategorySet) Strings() []string {
	if c == nil {
		return []string{}
	}
	return []string(c)
}
