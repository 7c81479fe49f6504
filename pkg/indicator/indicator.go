// Package indicator models the identifying attributes attached to entity nodes
// and the matching rules used to decide whether two entities are related.
//
// An Indicator Set holds five categories of identifiers: emails, IP addresses,
// cryptocurrency wallets, usernames and domains. Two entities are related when
// at least one identifier appears in both sets (case-insensitively).
//
// Example Usage:
//
//	a := indicator.Set{Emails: []string{"X@y.com"}, Usernames: []string{"shadow99"}}
//	b := indicator.Set{Emails: []string{"x@y.com"}}
//
//	shared := indicator.Shared(a, b)
//	fmt.Println(indicator.FormatLabel(shared, 3, 40))
//	// Output: email: X@y.com
//
// ELI12:
//
// Think of each entity as a person's wallet full of ID cards. If two wallets
// contain the same email card or the same username card, the two people are
// probably connected, and we draw a line between them.
package indicator

import "strings"

// Category identifies one of the five indicator collections.
type Category string

// Indicator categories. The string values are the label prefixes used when
// formatting shared indicators.
const (
	CategoryEmail    Category = "email"
	CategoryIP       Category = "ip"
	CategoryWallet   Category = "btc"
	CategoryUsername Category = "username"
	CategoryDomain   Category = "domain"
)

// Categories lists every category in comparison order. Shared walks the
// categories in this order so label truncation is deterministic.
var Categories = []Category{
	CategoryEmail,
	CategoryIP,
	CategoryWallet,
	CategoryUsername,
	CategoryDomain,
}

// Set is the categorized collection of identifiers attached to an entity.
//
// Each category is an unordered list. Duplicates are allowed and do not
// affect whether two sets match.
type Set struct {
	Emails    []string `json:"emails,omitempty" yaml:"emails,omitempty"`
	IPs       []string `json:"ips,omitempty" yaml:"ips,omitempty"`
	Wallets   []string `json:"wallets,omitempty" yaml:"wallets,omitempty"`
	Usernames []string `json:"usernames,omitempty" yaml:"usernames,omitempty"`
	Domains   []string `json:"domains,omitempty" yaml:"domains,omitempty"`
}

// Values returns the identifiers stored under the given category.
// The returned slice aliases the set; callers must not modify it.
func (s Set) Values(c Category) []string {
	switch c {
	case CategoryEmail:
		return s.Emails
	case CategoryIP:
		return s.IPs
	case CategoryWallet:
		return s.Wallets
	case CategoryUsername:
		return s.Usernames
	case CategoryDomain:
		return s.Domains
	}
	return nil
}

// Add appends identifiers to a category. Unknown categories are ignored.
func (s *Set) Add(c Category, values ...string) {
	switch c {
	case CategoryEmail:
		s.Emails = append(s.Emails, values...)
	case CategoryIP:
		s.IPs = append(s.IPs, values...)
	case CategoryWallet:
		s.Wallets = append(s.Wallets, values...)
	case CategoryUsername:
		s.Usernames = append(s.Usernames, values...)
	case CategoryDomain:
		s.Domains = append(s.Domains, values...)
	}
}

// Merge appends every identifier of other into s, skipping values already
// present in the same category (case-insensitive).
func (s *Set) Merge(other Set) {
	for _, c := range Categories {
		existing := make(map[string]struct{}, len(s.Values(c)))
		for _, v := range s.Values(c) {
			existing[strings.ToLower(v)] = struct{}{}
		}
		for _, v := range other.Values(c) {
			key := strings.ToLower(v)
			if _, ok := existing[key]; ok {
				continue
			}
			existing[key] = struct{}{}
			s.Add(c, v)
		}
	}
}

// Len returns the total number of identifiers across all categories.
func (s Set) Len() int {
	return len(s.Emails) + len(s.IPs) + len(s.Wallets) + len(s.Usernames) + len(s.Domains)
}

// IsEmpty reports whether the set has no identifiers at all.
func (s Set) IsEmpty() bool {
	return s.Len() == 0
}

// Normalize trims whitespace from every identifier and drops empty ones.
// Case is preserved; matching lowercases on comparison.
func (s Set) Normalize() Set {
	var out Set
	for _, c := range Categories {
		for _, v := range s.Values(c) {
			if v = strings.TrimSpace(v); v != "" {
				out.Add(c, v)
			}
		}
	}
	return out
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	return Set{
		Emails:    cloneStrings(s.Emails),
		IPs:       cloneStrings(s.IPs),
		Wallets:   cloneStrings(s.Wallets),
		Usernames: cloneStrings(s.Usernames),
		Domains:   cloneStrings(s.Domains),
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
