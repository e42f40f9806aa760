// activity.go: half-hour activity histogram over a trailing window.
package datastore

import (
	"math"
	"time"

	"github.com/tphakala/featherfront/internal/model"
)

// ActivityPayload is the /api/log/activity response: per-bucket average
// detections per day over the window, and today's raw counts with future
// buckets nulled out.
type ActivityPayload struct {
	Points      []float64  `json:"points"`
	TodayPoints []*float64 `json:"today_points"`
	Days        int        `json:"days"`
}

const activityBinsPerHour = 2

// ActivityCurve bins detections of the last days days into 48 local-time
// half-hour buckets. days is clamped to [1,30].
func (s *Store) ActivityCurve(days int) ActivityPayload {
	days = max(1, min(30, days))
	totalBins := 24 * activityBinsPerHour
	counts := make([]int, totalBins)
	todayCounts := make([]int, totalBins)

	now := time.Now().UTC()
	cutoff := model.FormatISO(now.Add(-time.Duration(days) * 24 * time.Hour))
	localNow := now.Local()
	todayYear, todayMonth, todayDay := localNow.Date()

	var rows []Detection
	s.detectionMu.Lock()
	err := s.DB.Select("timestamp").
		Where("timestamp >= ?", cutoff).
		Order("timestamp ASC").
		Find(&rows).Error
	s.detectionMu.Unlock()
	if err != nil {
		readFailure("read activity", err)
		return ActivityPayload{
			Points:      make([]float64, totalBins),
			TodayPoints: make([]*float64, totalBins),
			Days:        days,
		}
	}

	for i := range rows {
		parsed, ok := model.ParseTimestamp(rows[i].Timestamp)
		if !ok {
			continue
		}
		local := parsed.Local()
		bucket := local.Hour()*activityBinsPerHour + local.Minute()/30
		counts[bucket]++
		year, month, day := local.Date()
		if year == todayYear && month == todayMonth && day == todayDay {
			todayCounts[bucket]++
		}
	}

	points := make([]float64, totalBins)
	for i, count := range counts {
		points[i] = math.Round(float64(count)/float64(days)*100) / 100
	}

	currentHour := float64(localNow.Hour()) +
		float64(localNow.Minute())/60 +
		float64(localNow.Second())/3600
	currentBin := int(currentHour * activityBinsPerHour)
	todayPoints := make([]*float64, totalBins)
	for i, count := range todayCounts {
		if i > currentBin {
			continue // future buckets stay null
		}
		value := float64(count)
		todayPoints[i] = &value
	}

	return ActivityPayload{Points: points, TodayPoints: todayPoints, Days: days}
}
