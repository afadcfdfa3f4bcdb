package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		page      string
		limit     string
		order     string
		wantPage  int
		wantLimit int
		wantOff   int
		wantAsc   bool
	}{
		{"defaults", "", "", "", 1, 20, 0, false},
		{"second page", "2", "10", "asc", 2, 10, 10, true},
		{"clamped limit", "1", "500", "desc", 1, 100, 0, false},
		{"negative page", "-3", "5", "", 1, 5, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.page, tt.limit, tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, p.Page)
			assert.Equal(t, tt.wantLimit, p.Limit)
			assert.Equal(t, tt.wantOff, p.Offset)
			assert.Equal(t, tt.wantAsc, p.Ascending)
		})
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := Parse("abc", "", "")
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	p, _ := Parse("1", "10", "")
	page := Build(p, 25, []int{1})
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasMore)
}
