// Copyright (c) 2025, the nova-desktop contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFormat(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "NOVA-"))

	parts := strings.Split(key, "-")
	require.Equal(t, 9, len(parts), "prefix plus eight groups")
	assert.Equal(t, "NOVA", parts[0])
	for _, group := range parts[1:] {
		assert.LessOrEqual(t, len(group), 4)
		assert.NotEmpty(t, group)
	}
}

func TestGenerateUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for range 100 {
		key, err := Generate()
		require.NoError(t, err)

		_, dup := seen[key]
		require.False(t, dup, "generated a duplicate key")
		seen[key] = struct{}{}
	}
}

func TestHashDeterministic(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	assert.Equal(t, Hash(key, "pepper"), Hash(key, "pepper"))
	assert.NotEqual(t, Hash(key, "pepper"), Hash(key, "other-pepper"),
		"different peppers must produce different hashes")
	assert.Len(t, Hash(key, "pepper"), 64)
}

func TestHashNormalizesInput(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	typed := "  " + strings.ToLower(key) + "\n"
	assert.Equal(t, Hash(key, "pepper"), Hash(typed, "pepper"))
}

func TestHashHWIDDistinctFromKeyHash(t *testing.T) {
	// Same input through both hashes must not collide even with the same
	// pepper misconfigured on both sides.
	assert.Equal(t, HashHWID("machine-1", "p"), HashHWID("machine-1", "p"))
	assert.NotEqual(t, HashHWID("machine-1", "p"), HashHWID("machine-2", "p"))
}

func TestMask(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "full key",
			key:  "NOVA-AAAA-BBBB-CCCC-DDDD-EEEE-FFFF-GGGG-HHHH",
			want: "NOVA-AAAA...HHHH",
		},
		{
			name: "short input",
			key:  "NOVA-AA",
			want: "***",
		},
		{
			name: "empty",
			key:  "",
			want: "***",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mask(tt.key))
		})
	}
}

func TestEqual(t *testing.T) {
	h := Hash("NOVA-AAAA", "pepper")
	assert.True(t, Equal(h, Hash("NOVA-AAAA", "pepper")))
	assert.False(t, Equal(h, Hash("NOVA-BBBB", "pepper")))
}
