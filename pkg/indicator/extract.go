package indicator

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[^\s@]+@[^\s@]+\.[^\s@]+`)
	ipv4Pattern   = regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`)
	walletPattern = regexp.MustCompile(`\b(1|3|bc1)[a-zA-Z0-9]{25,42}\b`)
)

// EntityType classifies what an entity node represents on the canvas.
type EntityType string

// Entity types.
const (
	EntitySuspect  EntityType = "suspect"
	EntityWallet   EntityType = "wallet"
	EntityEmail    EntityType = "email"
	EntityIP       EntityType = "ip"
	EntityDomain   EntityType = "domain"
	EntityUsername EntityType = "username"
	EntityGeneral  EntityType = "general"
)

// EntityTypeFor maps the result type reported by a lookup source onto an
// entity type. Unknown source types map to EntityGeneral.
func EntityTypeFor(source string) EntityType {
	switch strings.ToLower(source) {
	case "email":
		return EntityEmail
	case "ip", "asn":
		return EntityIP
	case "btc":
		return EntityWallet
	case "username", "social", "profile":
		return EntityUsername
	case "domain":
		return EntityDomain
	case "breach":
		return EntitySuspect
	}
	return EntityGeneral
}

// ParseEntityType validates an entity type name. An empty name is EntityGeneral.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return EntityGeneral, nil
	case EntitySuspect, EntityWallet, EntityEmail, EntityIP, EntityDomain, EntityUsername, EntityGeneral:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// RiskLevel is the analyst-assigned risk of an entity.
type RiskLevel string

// Risk levels, lowest first.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel validates a risk level name. An empty name is RiskLow.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch r := RiskLevel(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return RiskLow, nil
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return r, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// Extract pulls indicators out of a raw value dropped onto the canvas.
//
// Every email, IPv4 address and wallet address in value is recognised by
// pattern.
// Domains and usernames cannot be told apart from free text, so the value
// itself is recorded under those categories only when the source type says so.
//
// Example:
//
//	indicator.Extract("contact admin@evil.io from 10.0.0.1", "")
//	// Set{Emails: ["admin@evil.io"], IPs: ["10.0.0.1"]}
func Extract(value, source string) Set {
	var s Set
	s.Emails = append(s.Emails, emailPattern.FindAllString(value, -1)...)
	s.IPs = append(s.IPs, ipv4Pattern.FindAllString(value, -1)...)
	s.Wallets = append(s.Wallets, walletPattern.FindAllString(value, -1)...)

	switch strings.ToLower(source) {
	case "domain":
		s.Domains = append(s.Domains, value)
	case "username":
		s.Usernames = append(s.Usernames, value)
	}
	return s
}
