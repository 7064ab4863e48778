package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"licensekeeper/internal/store"
)

type opener func(t *testing.T, newKey store.KeyFunc) store.Store

func openBolt(t *testing.T, newKey store.KeyFunc) store.Store {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "licenses.db"), newKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func openSQLite(t *testing.T, newKey store.KeyFunc) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "licenses.sqlite"), newKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var backends = map[string]opener{
	store.BackendBolt:   openBolt,
	store.BackendSQLite: openSQLite,
}

func strptr(s string) *string { return &s }

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLicense(owner int64) store.NewLicense {
	return store.NewLicense{
		OwnerID:   owner,
		ExpiresAt: epoch.Add(24 * time.Hour),
		CreatedAt: epoch,
	}
}

func TestStore(t *testing.T) {
	t.Parallel()

	for name, open := range backends {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			t.Run("CreateAndLookup", func(t *testing.T) { t.Parallel(); testCreateAndLookup(t, open) })
			t.Run("KeyCollision", func(t *testing.T) { t.Parallel(); testKeyCollision(t, open) })
			t.Run("ListByOwner", func(t *testing.T) { t.Parallel(); testListByOwner(t, open) })
			t.Run("ActiveFlag", func(t *testing.T) { t.Parallel(); testActiveFlag(t, open) })
			t.Run("UpsertActivation", func(t *testing.T) { t.Parallel(); testUpsertActivation(t, open) })
			t.Run("ConcurrentUpsert", func(t *testing.T) { t.Parallel(); testConcurrentUpsert(t, open) })
			t.Run("ListActivations", func(t *testing.T) { t.Parallel(); testListActivations(t, open) })
			t.Run("FarFutureTimes", func(t *testing.T) { t.Parallel(); testFarFutureTimes(t, open) })
			t.Run("MigrateTwice", func(t *testing.T) { t.Parallel(); testMigrateTwice(t, open) })
		})
	}
}

func testCreateAndLookup(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	in := newLicense(7)
	in.AllowedIPs = strptr("1.2.3.4, 5.6.7.8")
	lic, err := st.CreateLicense(ctx, in)
	require.NoError(t, err)
	require.NotZero(t, lic.ID)
	require.NotEmpty(t, lic.Key)
	assert.True(t, lic.IsActive)
	assert.Equal(t, int64(7), lic.OwnerID)

	got, err := st.FindActiveLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
	assert.True(t, got.ExpiresAt.Equal(in.ExpiresAt))
	assert.True(t, got.CreatedAt.Equal(in.CreatedAt))
	require.NotNil(t, got.AllowedIPs)
	assert.Equal(t, "1.2.3.4, 5.6.7.8", *got.AllowedIPs)

	byID, err := st.GetLicense(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, lic.Key, byID.Key)

	_, err = st.FindActiveLicenseByKey(ctx, "LK-NOPE")
	assert.True(t, xerrors.Is(err, store.ErrNotFound))
	_, err = st.GetLicense(ctx, lic.ID+100)
	assert.True(t, xerrors.Is(err, store.ErrNotFound))
}

func testKeyCollision(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, func() string { return "LK-FIXED" })

	_, err := st.CreateLicense(ctx, newLicense(1))
	require.NoError(t, err)
	_, err = st.CreateLicense(ctx, newLicense(2))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, store.ErrConflict), "got %v", err)

	list, err := st.ListLicenses(ctx, 2, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testListByOwner(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	var mine []int64
	for i := 0; i < 7; i++ {
		lic, err := st.CreateLicense(ctx, newLicense(1))
		require.NoError(t, err)
		mine = append(mine, lic.ID)
		_, err = st.CreateLicense(ctx, newLicense(2))
		require.NoError(t, err)
	}

	all, err := st.ListLicenses(ctx, 1, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 7)
	for i, lic := range all {
		assert.Equal(t, mine[i], lic.ID)
		assert.Equal(t, int64(1), lic.OwnerID)
	}

	page, err := st.ListLicenses(ctx, 1, 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, mine[2:5], []int64{page[0].ID, page[1].ID, page[2].ID})

	again, err := st.ListLicenses(ctx, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, page, again)

	tail, err := st.ListLicenses(ctx, 1, 6, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)

	past, err := st.ListLicenses(ctx, 1, 50, 10)
	require.NoError(t, err)
	assert.Empty(t, past)

	none, err := st.ListLicenses(ctx, 99, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testActiveFlag(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	lic, err := st.CreateLicense(ctx, newLicense(1))
	require.NoError(t, err)

	off, err := st.SetLicenseActive(ctx, lic.ID, false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	_, err = st.FindActiveLicenseByKey(ctx, lic.Key)
	assert.True(t, xerrors.Is(err, store.ErrNotFound))

	inactive, err := st.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.False(t, inactive.IsActive)

	on, err := st.SetLicenseActive(ctx, lic.ID, true)
	require.NoError(t, err)
	assert.True(t, on.IsActive)
	_, err = st.FindActiveLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)

	_, err = st.SetLicenseActive(ctx, lic.ID+100, true)
	assert.True(t, xerrors.Is(err, store.ErrNotFound))
}

func testUpsertActivation(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	lic, err := st.CreateLicense(ctx, newLicense(1))
	require.NoError(t, err)

	_, err = st.FindActivation(ctx, lic.ID, "m1")
	assert.True(t, xerrors.Is(err, store.ErrNotFound))

	first, created, err := st.UpsertActivation(ctx, lic.ID, "m1", strptr("10.0.0.1"), epoch)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.ActivatedAt.Equal(epoch))
	assert.True(t, first.LastCheckIn.Equal(epoch))
	require.NotNil(t, first.IPAddress)
	assert.Equal(t, "10.0.0.1", *first.IPAddress)

	// No ip on check-in keeps the stored one.
	later := epoch.Add(time.Second)
	second, created, err := st.UpsertActivation(ctx, lic.ID, "m1", nil, later)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.ActivatedAt.Equal(epoch))
	assert.True(t, second.LastCheckIn.Equal(later))
	require.NotNil(t, second.IPAddress)
	assert.Equal(t, "10.0.0.1", *second.IPAddress)

	third, _, err := st.UpsertActivation(ctx, lic.ID, "m1", strptr("10.0.0.2"), later.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)
	require.NotNil(t, third.IPAddress)
	assert.Equal(t, "10.0.0.2", *third.IPAddress)

	found, err := st.FindActivation(ctx, lic.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, third.ID, found.ID)
	assert.True(t, found.LastCheckIn.Equal(third.LastCheckIn))

	other, created, err := st.UpsertActivation(ctx, lic.ID, "m2", nil, epoch)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Nil(t, other.IPAddress)

	// A repeat at the same instant is still an update.
	again, created, err := st.UpsertActivation(ctx, lic.ID, "m2", nil, epoch)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, other.ID, again.ID)
}

func testConcurrentUpsert(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	lic, err := st.CreateLicense(ctx, newLicense(1))
	require.NoError(t, err)

	const workers = 16
	var (
		mu      sync.Mutex
		ids     = map[int64]struct{}{}
		creates int
	)
	start := make(chan struct{})
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		eg.Go(func() error {
			<-start
			act, created, err := st.UpsertActivation(ctx, lic.ID, "shared", strptr(fmt.Sprintf("10.0.0.%d", i)), epoch.Add(time.Duration(i)*time.Millisecond))
			if err != nil {
				return err
			}
			mu.Lock()
			ids[act.ID] = struct{}{}
			if created {
				creates++
			}
			mu.Unlock()
			return nil
		})
	}
	close(start)
	require.NoError(t, eg.Wait())
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)

	acts, err := st.ListActivations(ctx, lic.ID)
	require.NoError(t, err)
	assert.Len(t, acts, 1)
}

func testListActivations(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	a, err := st.CreateLicense(ctx, newLicense(1))
	require.NoError(t, err)
	b, err := st.CreateLicense(ctx, newLicense(1))
	require.NoError(t, err)

	for _, m := range []string{"zeta", "alpha", "mid"} {
		_, _, err := st.UpsertActivation(ctx, a.ID, m, nil, epoch)
		require.NoError(t, err)
	}
	_, _, err = st.UpsertActivation(ctx, b.ID, "alpha", nil, epoch)
	require.NoError(t, err)

	acts, err := st.ListActivations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, acts, 3)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, []string{acts[0].MachineID, acts[1].MachineID, acts[2].MachineID})
	for _, act := range acts {
		assert.Equal(t, a.ID, act.LicenseID)
	}

	empty, err := st.ListActivations(ctx, b.ID+100)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testFarFutureTimes(t *testing.T, open opener) {
	ctx := context.Background()
	st := open(t, nil)

	far := time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)
	in := newLicense(3)
	in.ExpiresAt = far
	lic, err := st.CreateLicense(ctx, in)
	require.NoError(t, err)
	assert.True(t, lic.ExpiresAt.Equal(far))

	byKey, err := st.FindActiveLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.True(t, byKey.ExpiresAt.Equal(far), "read back %s", byKey.ExpiresAt)

	byID, err := st.GetLicense(ctx, lic.ID)
	require.NoError(t, err)
	assert.True(t, byID.ExpiresAt.Equal(far))

	listed, err := st.ListLicenses(ctx, 3, 0, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.True(t, listed[0].ExpiresAt.Equal(far))

	checkIn := far.Add(-time.Hour)
	act, _, err := st.UpsertActivation(ctx, lic.ID, "m1", nil, checkIn)
	require.NoError(t, err)
	found, err := st.FindActivation(ctx, lic.ID, "m1")
	require.NoError(t, err)
	assert.Equal(t, act.ID, found.ID)
	assert.True(t, found.ActivatedAt.Equal(checkIn))
	assert.True(t, found.LastCheckIn.Equal(checkIn))
}

func testMigrateTwice(t *testing.T, open opener) {
	st := open(t, nil)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestBoltRequiresMigration(t *testing.T) {
	t.Parallel()

	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "raw.db"), nil)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.CreateLicense(context.Background(), newLicense(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run migrations first")
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := store.Open(context.Background(), store.Options{Backend: "mongo"}, zerolog.Nop())
	require.Error(t, err)
}
