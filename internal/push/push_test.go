package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"pulserelay/internal/config"
	"pulserelay/internal/models"
	"pulserelay/internal/repository"
	"pulserelay/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendToUser_NoDevicesIsTrivialSuccess(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	sender := NewSender(repository.NewDeviceRepository(db), &config.Config{})

	outcome, err := sender.SendToUser(context.Background(), user.ID, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, 0, outcome.TotalDevices)
}

func TestSendToUser_FanOutDeliversToEveryActiveDevice(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	testutil.NewDevice(t, db, user.ID, models.PlatformAndroid)
	testutil.NewDevice(t, db, user.ID, models.PlatformIOS)
	testutil.NewDevice(t, db, user.ID, models.PlatformWeb)

	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewSender(repository.NewDeviceRepository(db), &config.Config{PushServiceURL: srv.URL})
	outcome, err := sender.SendToUser(context.Background(), user.ID, Notification{Title: "alert", Body: "body", Priority: PriorityCritical})
	require.NoError(t, err)

	assert.True(t, outcome.Success)
	assert.Equal(t, 3, outcome.TotalDevices)
	assert.Equal(t, 3, outcome.SuccessCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&received))
	for _, d := range outcome.Devices {
		assert.True(t, d.Success)
		assert.Empty(t, d.Error)
	}
}

func TestSendToUserPlatform_OnlyTargetsRequestedPlatform(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	testutil.NewDevice(t, db, user.ID, models.PlatformAndroid)
	testutil.NewDevice(t, db, user.ID, models.PlatformWeb)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewSender(repository.NewDeviceRepository(db), &config.Config{PushServiceURL: srv.URL})
	outcome, err := sender.SendToUserPlatform(context.Background(), user.ID, models.PlatformWeb, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.TotalDevices)
	assert.Equal(t, models.PlatformWeb, outcome.Devices[0].Platform)
}

func TestSendToUser_NoServiceURLFailsEveryDevice(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	testutil.NewDevice(t, db, user.ID, models.PlatformAndroid)

	sender := NewSender(repository.NewDeviceRepository(db), &config.Config{})
	outcome, err := sender.SendToUser(context.Background(), user.ID, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, 0, outcome.SuccessCount)
	assert.NotEmpty(t, outcome.Devices[0].Error)
}

// spec invariant 6: a device is deactivated after deactivateThreshold
// consecutive failures, and reactivated (counter reset) on any success.
func TestSendToUser_DeactivatesDeviceAfterConsecutiveFailureThreshold(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	device := testutil.NewDevice(t, db, user.ID, models.PlatformAndroid)

	repo := repository.NewDeviceRepository(db)
	sender := NewSender(repo, &config.Config{DeviceFailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := sender.SendToUser(ctx, user.ID, Notification{Title: "t", Body: "b"})
		require.NoError(t, err)
	}
	stillActive, err := repo.GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, stillActive.IsActive, "must stay active below the threshold")

	_, err = sender.SendToUser(ctx, user.ID, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)

	deactivated, err := repo.GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive, "must deactivate once the threshold is reached")
	assert.Equal(t, 3, deactivated.FailedAttempts)
}

func TestSendToUser_SuccessResetsFailureCounter(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	device := testutil.NewDevice(t, db, user.ID, models.PlatformAndroid)
	repo := repository.NewDeviceRepository(db)

	failing := NewSender(repo, &config.Config{DeviceFailureThreshold: 5})
	ctx := context.Background()
	_, err := failing.SendToUser(ctx, user.ID, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)

	midway, err := repo.GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, midway.FailedAttempts)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer srv.Close()
	succeeding := NewSender(repo, &config.Config{PushServiceURL: srv.URL})
	_, err = succeeding.SendToUser(ctx, user.ID, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)

	reset, err := repo.GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, reset.FailedAttempts)
	assert.True(t, reset.IsActive)
}

func TestSendToUser_GatewayErrorStatusCountsAsFailure(t *testing.T) {
	db := testutil.NewDB(t)
	user, _ := testutil.NewUser(t, db)
	testutil.NewDevice(t, db, user.ID, models.PlatformIOS)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewSender(repository.NewDeviceRepository(db), &config.Config{PushServiceURL: srv.URL})
	outcome, err := sender.SendToUser(context.Background(), user.ID, Notification{Title: "t", Body: "b"})
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Devices[0].Error, "500")
}
