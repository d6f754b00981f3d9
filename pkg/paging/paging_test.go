package paging

import (
	"testing"

	"github.com/jmylchreest/triage/pkg/findings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	r, err := New(0, 0)
	require.NoError(t, err)
	assert.Equal(t, Request{Page: 1, PageSize: DefaultPageSize}, r)
}

func TestNewRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name           string
		page, pageSize int
		param          string
	}{
		{"negative page", -1, 10, "p"},
		{"negative size", 1, -5, "ps"},
		{"size over max", 1, MaxPageSize + 1, "ps"},
		{"page over max", MaxPage + 1, 10, "p"},
		{"page overflowing the offset", 1<<62 + 1, 2, "p"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.page, tt.pageSize)
			require.ErrorIs(t, err, findings.ErrValidation)
			assert.Equal(t, tt.param, findings.ParamOf(err))
		})
	}
}

func TestOffset(t *testing.T) {
	for page := 1; page <= 7; page++ {
		for size := 1; size <= 9; size++ {
			r, err := New(page, size)
			require.NoError(t, err)
			assert.Equal(t, (page-1)*size, r.Offset())
		}
	}
}

func TestPaginateConcatenatesToWhole(t *testing.T) {
	for _, n := range []int{0, 1, 7, 10, 23} {
		ordered := make([]int, n)
		for i := range ordered {
			ordered[i] = i
		}
		for size := 1; size <= 11; size++ {
			first, err := New(1, size)
			require.NoError(t, err)
			_, info := Paginate(ordered, first)
			assert.Equal(t, n, info.Total)

			var all []int
			for p := 1; p <= info.Pages(); p++ {
				r, err := New(p, size)
				require.NoError(t, err)
				page, pi := Paginate(ordered, r)
				assert.Equal(t, p, pi.PageIndex)
				all = append(all, page...)
			}
			if n == 0 {
				assert.Empty(t, all)
				continue
			}
			assert.Equal(t, ordered, all, "n=%d size=%d", n, size)
		}
	}
}

func TestPaginatePastEnd(t *testing.T) {
	r, err := New(4, 5)
	require.NoError(t, err)
	page, info := Paginate([]string{"a", "b"}, r)
	assert.Empty(t, page)
	assert.Equal(t, 2, info.Total)
}

func TestApproximate(t *testing.T) {
	r, err := New(2, 50)
	require.NoError(t, err)
	assert.Equal(t, Info{PageIndex: 2, PageSize: 50, Total: 12}, r.Approximate(12))
}

func TestCheckWindow(t *testing.T) {
	r, err := New(20, 500)
	require.NoError(t, err)
	assert.NoError(t, r.CheckWindow())

	r, err = New(21, 500)
	require.NoError(t, err)
	assert.ErrorIs(t, r.CheckWindow(), findings.ErrValidation)
}

func TestCheckWindowLargePages(t *testing.T) {
	r, err := New(MaxPage, MaxPageSize)
	require.NoError(t, err)
	assert.Positive(t, r.Offset())
	assert.ErrorIs(t, r.CheckWindow(), findings.ErrValidation)

	_, info := Paginate([]int{1, 2, 3}, r)
	assert.Equal(t, 3, info.Total)

	// A hand-built request past the int range yields an empty page.
	page, _ := Paginate([]int{1, 2, 3}, Request{Page: 1<<62 + 1, PageSize: 2})
	assert.Empty(t, page)
	assert.ErrorIs(t, Request{Page: 1<<62 + 1, PageSize: 2}.CheckWindow(), findings.ErrValidation)
}
