package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	t.Run("email and ip from free text", func(t *testing.T) {
		s := Extract("contact admin@evil.io from 10.0.0.1", "")
		assert.Equal(t, []string{"admin@evil.io"}, s.Emails)
		assert.Equal(t, []string{"10.0.0.1"}, s.IPs)
		assert.Empty(t, s.Domains)
		assert.Empty(t, s.Usernames)
	})

	t.Run("every match is kept", func(t *testing.T) {
		s := Extract("a@x.com b@y.com 10.0.0.1 10.0.0.2", "")
		assert.Equal(t, []string{"a@x.com", "b@y.com"}, s.Emails)
		assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, s.IPs)
	})

	t.Run("bitcoin wallet", func(t *testing.T) {
		s := Extract("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "btc")
		require.Len(t, s.Wallets, 1)
		assert.Equal(t, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", s.Wallets[0])
	})

	t.Run("domain source records the value", func(t *testing.T) {
		s := Extract("evil.io", "domain")
		assert.Equal(t, []string{"evil.io"}, s.Domains)
		assert.Empty(t, s.Emails)
	})

	t.Run("username source records the value", func(t *testing.T) {
		s := Extract("shadow99", "username")
		assert.Equal(t, []string{"shadow99"}, s.Usernames)
	})

	t.Run("nothing recognised", func(t *testing.T) {
		assert.True(t, Extract("just some notes", "").IsEmpty())
	})
}

func TestEntityTypeFor(t *testing.T) {
	cases := map[string]EntityType{
		"email":    EntityEmail,
		"ip":       EntityIP,
		"btc":      EntityWallet,
		"username": EntityUsername,
		"domain":   EntityDomain,
		"social":   EntityUsername,
		"breach":   EntitySuspect,
		"profile":  EntityUsername,
		"geo":      EntityGeneral,
		"asn":      EntityIP,
		"whatever": EntityGeneral,
	}
	for source, want := range cases {
		assert.Equal(t, want, EntityTypeFor(source), "source %q", source)
	}
}

func TestParseRiskLevel(t *testing.T) {
	r, err := ParseRiskLevel("HIGH")
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, r)

	r, err = ParseRiskLevel("")
	require.NoError(t, err)
	assert.Equal(t, RiskLow, r)

	_, err = ParseRiskLevel("extreme")
	assert.Error(t, err)
}

func TestSetHelpers(t *testing.T) {
	var s Set
	s.Add(CategoryEmail, "x@y.com")
	s.Merge(Set{Emails: []string{"X@Y.com", "z@y.com"}, Domains: []string{" evil.io "}})

	assert.Equal(t, []string{"x@y.com", "z@y.com"}, s.Emails)
	assert.Equal(t, 3, s.Len())

	n := s.Normalize()
	assert.Equal(t, []string{"evil.io"}, n.Domains)

	c := s.Clone()
	c.Emails[0] = "changed"
	assert.Equal(t, "x@y.com", s.Emails[0])
}
