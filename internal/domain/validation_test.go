package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		expected string
		err      error
	}{
		{"Valid title", "Example Newsletter", "Example Newsletter", nil},
		{"Trims spaces", "  Weekly  ", "Weekly", nil},
		{"Single character", "x", "x", nil},
		{"Maximum length", strings.Repeat("a", 500), strings.Repeat("a", 500), nil},
		{"Maximum length multibyte", strings.Repeat("邮", 500), strings.Repeat("邮", 500), nil},
		{"Invalid - empty", "", "", ErrInvalidTitle},
		{"Invalid - only spaces", "   ", "", ErrInvalidTitle},
		{"Invalid - too long", strings.Repeat("a", 501), "", ErrInvalidTitle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTitle(tt.title)
			assert.ErrorIs(t, err, tt.err)
			if tt.err == nil {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		name   string
		addr   string
		local  string
		domain string
		ok     bool
	}{
		{"Plain address", "abc@mail.example", "abc", "mail.example", true},
		{"Angle brackets", "<ABC@Mail.Example>", "abc", "Mail.Example", true},
		{"Surrounding spaces", "  abc@mail.example ", "abc", "mail.example", true},
		{"Invalid - no @", "abcmail.example", "", "", false},
		{"Invalid - empty local part", "@mail.example", "", "", false},
		{"Invalid - empty domain", "abc@", "", "", false},
		{"Invalid - empty", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, domain, ok := SplitAddress(tt.addr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.local, local)
			assert.Equal(t, tt.domain, domain)
		})
	}
}

func TestMatchesHost(t *testing.T) {
	assert.True(t, MatchesHost("mail.example", "mail.example"))
	assert.True(t, MatchesHost("MAIL.Example", "mail.example"))
	assert.True(t, MatchesHost("mail.example.", "mail.example"))
	assert.False(t, MatchesHost("other.example", "mail.example"))
	assert.False(t, MatchesHost("", "mail.example"))
}
