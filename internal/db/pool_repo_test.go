package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"staticip/internal/types"
)

// scanEntryFn fills the poolColumns destinations for one synthetic entry.
func scanEntryFn(id, address, region, nodeID string) func(dest ...any) error {
	now := time.Now().UTC()
	return func(dest ...any) error {
		*dest[0].(*string) = id
		*dest[1].(*string) = address
		*dest[2].(*string) = region
		*dest[3].(*string) = "eip-ref-1"
		*dest[4].(*string) = nodeID
		*dest[5].(*bool) = false
		*dest[6].(*int) = 350
		*dest[7].(*time.Time) = now
		*dest[8].(*time.Time) = now
		return nil
	}
}

func TestPoolEntryRepository_ClaimForRegion_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: scanEntryFn("pool_1", "198.51.100.7", "fra1", "node_1")})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	entry, err := repo.ClaimForRegion(context.Background(), db, "fra1")
	require.NoError(t, err)
	assert.Equal(t, "pool_1", entry.ID)
	assert.Equal(t, "198.51.100.7", entry.Address)
	assert.True(t, entry.Allocated, "claimed entry must carry the flipped flag")
	db.AssertExpectations(t)
}

func TestPoolEntryRepository_ClaimForRegion_EmptyPool(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.ClaimForRegion(context.Background(), db, "fra1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeCapacityNoIPsAvailable, types.CodeOf(err))
}

func TestPoolEntryRepository_ClaimForRegion_LostRace(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: scanEntryFn("pool_1", "198.51.100.7", "fra1", "node_1")})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	_, err := repo.ClaimForRegion(context.Background(), db, "fra1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
}

func TestPoolEntryRepository_Release_Idempotent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	// Zero rows affected: already free. Must not be an error.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Release(context.Background(), db, "pool_1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPoolEntryRepository_Release_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Release(context.Background(), db, "pool_1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestPoolEntryRepository_Insert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	entry := types.NewPoolEntry("198.51.100.9", "nyc3", "eip-9", "node_2", 350, time.Now().UTC())
	err := repo.Insert(context.Background(), db, entry)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPoolEntryRepository_CountAvailable(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 4
			return nil
		}})

	count, err := repo.CountAvailable(context.Background(), "fra1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestPoolEntryRepository_CountAvailableByRegion(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	rows := newMockRows([][]any{
		{"fra1", 3},
		{"nyc3", 0},
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	counts, err := repo.CountAvailableByRegion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fra1": 3, "nyc3": 0}, counts)
}

func TestPoolEntryRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPoolEntryRepository(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "pool_missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundPoolEntry, types.CodeOf(err))
}
