package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"staticip/internal/types"
)

func TestNodeRepository_FindOnlineForRegion_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNodeRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "node_1"
			*dest[1].(*string) = "fra1"
			*dest[2].(*string) = "vpn-fra1-03"
			*dest[3].(*bool) = true
			*dest[4].(*bool) = true
			*dest[5].(*bool) = true
			*dest[6].(*int) = 12
			*dest[7].(*int) = 100
			*dest[8].(*time.Time) = time.Now().UTC()
			return nil
		}})

	node, err := repo.FindOnlineForRegion(context.Background(), "fra1")
	require.NoError(t, err)
	assert.Equal(t, "node_1", node.ID)
	assert.Equal(t, "vpn-fra1-03", node.Hostname)
	assert.True(t, node.Online)
}

func TestNodeRepository_FindOnlineForRegion_NoneEligible(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNodeRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.FindOnlineForRegion(context.Background(), "syd1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeCapacityNoNodeAvailable, types.CodeOf(err))
}

func TestNodeRepository_CountOnlineByRegion(t *testing.T) {
	db := new(mockDBTX)
	repo := NewNodeRepository(db)

	rows := newMockRows([][]any{
		{"fra1", 3},
		{"nyc3", 1},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	counts, err := repo.CountOnlineByRegion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fra1": 3, "nyc3": 1}, counts)
}
