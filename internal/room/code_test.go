package room_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triviapool/engine/internal/room"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		code, err := room.GenerateCode()
		require.NoError(t, err)
		require.True(t, room.ValidCode(code), "generated code %q should be valid", code)
		seen[code] = true
	}

	// 100 draws from 36^6 should not collide.
	require.Greater(t, len(seen), 90)
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]struct {
		code string
		want string
	}{
		"already canonical": {code: "AB12CD", want: "AB12CD"},
		"lowercase":         {code: "ab12cd", want: "AB12CD"},
		"mixed case":        {code: "aB12cD", want: "AB12CD"},
		"padded":            {code: "  ab12cd\n", want: "AB12CD"},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, room.NormalizeCode(tt.code))
		})
	}
}

func TestValidCode(t *testing.T) {
	tests := map[string]struct {
		code string
		want bool
	}{
		"uppercase alphanumeric":     {code: "AB12CD", want: true},
		"lowercase is normalized":    {code: "ab12cd", want: true},
		"surrounding whitespace":     {code: "  AB12CD ", want: true},
		"too short":                  {code: "AB12C", want: false},
		"too long":                   {code: "AB12CDE", want: false},
		"punctuation rejected":       {code: "AB-2CD", want: false},
		"empty":                      {code: "", want: false},
		"unicode letters rejected":   {code: "ÄB12CD", want: false},
		"embedded space rejected":    {code: "AB 2CD", want: false},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, room.ValidCode(tt.code))
		})
	}
}
