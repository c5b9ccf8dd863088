package species

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog(t *testing.T) {
	c, err := NewCatalog([]string{"Monstera deliciosa", " Ficus lyrata ", "Aloe vera"})
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, "Ficus lyrata", c.Name(1))

	idx, ok := c.Index("Aloe vera")
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = c.Index("Rosa canina")
	assert.False(t, ok)
}

func TestNewCatalogRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		names []string
	}{
		{"empty", nil},
		{"blank entry", []string{"A", "  "}},
		{"duplicate", []string{"A", "B", "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.names)
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestCatalogNamesIsCopy(t *testing.T) {
	c, err := NewCatalog([]string{"A", "B"})
	require.NoError(t, err)

	names := c.Names()
	names[0] = "Z"
	assert.Equal(t, "A", c.Name(0))
}

func TestInfoDegraded(t *testing.T) {
	assert.False(t, Info{Source: SourceFound}.Degraded())
	assert.True(t, NotFound("A").Degraded())
	assert.True(t, LookupError("A").Degraded())
}
