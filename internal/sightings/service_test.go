package sightings

import (
	"testing"
	"time"

	"nutflix-go/config"
	"nutflix-go/internal/core/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ClipRecord{}, &models.MotionEvent{}))
	return db
}

func testCameras() []config.CameraConfig {
	return []config.CameraConfig{
		{Name: "NestCam", DefaultSpecies: "red squirrel"},
		{Name: "FeederCam"},
	}
}

func TestClassify(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	species, behavior := svc.Classify("NestCam", 10*time.Second)
	assert.Equal(t, "red squirrel", species)
	assert.Equal(t, "passing through", behavior)

	_, behavior = svc.Classify("NestCam", 20*time.Second)
	assert.Equal(t, "foraging", behavior)

	_, behavior = svc.Classify("NestCam", 90*time.Second)
	assert.Equal(t, "investigating", behavior)

	species, _ = svc.Classify("FeederCam", 10*time.Second)
	assert.Equal(t, "unknown", species, "camera without a default species")

	species, _ = svc.Classify("GhostCam", 10*time.Second)
	assert.Equal(t, "unknown", species, "unconfigured camera")
}

func TestCreateClipRecordFillsDefaults(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	rec := &models.ClipRecord{
		Timestamp: time.Now(),
		Camera:    "NestCam",
		ClipPath:  "/clips/NestCam/a.mp4",
		Duration:  12,
	}
	id, err := svc.CreateClipRecord(rec)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, models.TriggerMotion, rec.TriggerType)
	assert.Equal(t, "red squirrel", rec.Species)
	assert.Equal(t, "passing through", rec.Behavior)
}

func TestCreateClipRecordKeepsExplicitSpecies(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	rec := &models.ClipRecord{
		Timestamp: time.Now(),
		Camera:    "NestCam",
		Species:   "pine marten",
		Behavior:  "raiding",
	}
	_, err := svc.CreateClipRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "pine marten", rec.Species)
	assert.Equal(t, "raiding", rec.Behavior)
}

func TestCallbacksReceiveSighting(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	var got []models.Sighting
	svc.AddCallback(func(s models.Sighting) { got = append(got, s) })

	rec := &models.ClipRecord{Timestamp: time.Now(), Camera: "NestCam", Duration: 12}
	id, err := svc.CreateClipRecord(rec)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "NestCam", got[0].Camera)
	assert.Equal(t, "red squirrel", got[0].Species)
	assert.InDelta(t, 0.95, got[0].Confidence, 0.001, "confidence defaults when unset")
	assert.NotEmpty(t, got[0].FormattedTime)
}

func TestPanickingCallbackIsolated(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	var secondRan bool
	svc.AddCallback(func(models.Sighting) { panic("boom") })
	svc.AddCallback(func(models.Sighting) { secondRan = true })

	_, err := svc.CreateClipRecord(&models.ClipRecord{Timestamp: time.Now(), Camera: "NestCam"})
	require.NoError(t, err)
	assert.True(t, secondRan, "remaining callbacks run after a panic")
}

func TestRecordMotionEventPersists(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, testCameras())

	svc.RecordMotionEvent(models.MotionTrigger{
		Camera:     "NestCam",
		Type:       models.MotionTypeStart,
		SensorKind: models.SensorKindEdge,
		Timestamp:  time.Now(),
		Confidence: 1,
	})

	var events []models.MotionEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "NestCam", events[0].Camera)
	assert.Equal(t, models.MotionTypeStart, events[0].MotionType)
	assert.Nil(t, events[0].ClipID)
	assert.NotEmpty(t, events[0].RawData)
}

func TestLinkMotionToClip(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, testCameras())

	now := time.Now()
	svc.RecordMotionEvent(models.MotionTrigger{
		Camera: "NestCam", Type: models.MotionTypeStart, Timestamp: now.Add(-time.Minute),
	})
	svc.RecordMotionEvent(models.MotionTrigger{
		Camera: "NestCam", Type: models.MotionTypeStart, Timestamp: now,
	})
	// Debug falling-edge events are never link targets.
	svc.RecordMotionEvent(models.MotionTrigger{
		Camera: "NestCam", Type: models.MotionTypeEndDebug, Timestamp: now.Add(time.Second),
	})

	require.NoError(t, svc.LinkMotionToClip("NestCam", 42))

	var linked []models.MotionEvent
	require.NoError(t, db.Where("clip_id IS NOT NULL").Find(&linked).Error)
	require.Len(t, linked, 1)
	assert.Equal(t, uint(42), *linked[0].ClipID)
	assert.Equal(t, models.MotionTypeStart, linked[0].MotionType)
	assert.WithinDuration(t, now, linked[0].Timestamp, time.Second, "newest start event is linked")
}

func TestLinkMotionToClipNoCandidate(t *testing.T) {
	svc := NewService(testDB(t), testCameras())
	assert.Error(t, svc.LinkMotionToClip("NestCam", 1))
}

func TestLinkClipToRecentMotion(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, testCameras())

	rec := &models.ClipRecord{Timestamp: time.Now(), Camera: "NestCam", ClipPath: ""}
	_, err := svc.CreateClipRecord(rec)
	require.NoError(t, err)

	require.NoError(t, svc.LinkClipToRecentMotion("NestCam", "/clips/NestCam/a.mp4", "/clips/NestCam/a_thumb.jpg"))

	var stored models.ClipRecord
	require.NoError(t, db.First(&stored, rec.ID).Error)
	assert.Equal(t, "/clips/NestCam/a.mp4", stored.ClipPath)
	assert.Equal(t, "/clips/NestCam/a_thumb.jpg", stored.ThumbnailPath)
}

func TestGetRecentOrderingAndFilter(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	now := time.Now()
	for i, cam := range []string{"NestCam", "FeederCam", "NestCam"} {
		_, err := svc.CreateClipRecord(&models.ClipRecord{
			Timestamp: now.Add(time.Duration(i) * time.Minute),
			Camera:    cam,
			ClipPath:  "/clips/x.mp4",
		})
		require.NoError(t, err)
	}

	all, err := svc.GetRecent(0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].Timestamp.After(all[1].Timestamp))
	assert.True(t, all[1].Timestamp.After(all[2].Timestamp))

	nest, err := svc.GetRecent(10, "NestCam")
	require.NoError(t, err)
	assert.Len(t, nest, 2)

	one, err := svc.GetRecent(1, "")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.WithinDuration(t, now.Add(2*time.Minute), one[0].Timestamp, time.Second)
}

func TestGetStats(t *testing.T) {
	svc := NewService(testDB(t), testCameras())
	svc.SetDetectionActive(true)

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := svc.CreateClipRecord(&models.ClipRecord{
			Timestamp: now, Camera: "NestCam", Duration: 12,
		})
		require.NoError(t, err)
	}
	_, err := svc.CreateClipRecord(&models.ClipRecord{
		Timestamp: now, Camera: "FeederCam", Species: "blue tit", Duration: 12,
	})
	require.NoError(t, err)

	stats, err := svc.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalToday)
	assert.Equal(t, "red squirrel", stats.MostCommonSpecies)
	assert.True(t, stats.DetectionActive)
}

func TestGetStatsCountsLocalDay(t *testing.T) {
	svc := NewService(testDB(t), testCameras())

	now := time.Now()
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location())

	// Yesterday 23:59 local must not count, today 00:01 local must.
	_, err := svc.CreateClipRecord(&models.ClipRecord{
		Timestamp: midnight.Add(-time.Minute), Camera: "NestCam",
	})
	require.NoError(t, err)
	_, err = svc.CreateClipRecord(&models.ClipRecord{
		Timestamp: midnight.Add(time.Minute), Camera: "NestCam",
	})
	require.NoError(t, err)

	stats, err := svc.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalToday)
}
