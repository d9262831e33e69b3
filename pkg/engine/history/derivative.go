package history

import (
	"fmt"
	"time"
)

// Thresholds for trend alerts, in score points per hour.
type Thresholds struct {
	Velocity     float64 `mapstructure:"velocity"`
	Acceleration float64 `mapstructure:"acceleration"`
	Floor        float64 `mapstructure:"floor"`
}

// DefaultThresholds alert on a drop faster than 5 points an hour, a fall
// accelerating by 2 points/h², or a projected score under 50 within a day.
func DefaultThresholds() Thresholds {
	return Thresholds{Velocity: 5, Acceleration: 2, Floor: 50}
}

// Trend contains derived score signals.
type Trend struct {
	Current      float64 `json:"current"`
	Velocity     float64 `json:"velocity"`     // points per hour
	Acceleration float64 `json:"acceleration"` // points per hour²

	Projected24h float64       `json:"projected_24h"`
	TimeToFloor  time.Duration `json:"time_to_floor"`

	Alerts []string `json:"alerts,omitempty"`
}

// Analyze calculates overall-score trends from snapshots ordered oldest first.
func Analyze(history []Snapshot, th Thresholds) Trend {
	if len(history) == 0 {
		return Trend{TimeToFloor: -1}
	}
	current := history[len(history)-1]
	if len(history) < 2 {
		return Trend{Current: current.Overall, Projected24h: current.Overall, TimeToFloor: -1}
	}
	prev := history[len(history)-2]

	timeDelta := float64(current.Timestamp-prev.Timestamp) / 3600.0
	if timeDelta <= 0 {
		return Trend{Current: current.Overall, Projected24h: current.Overall, TimeToFloor: -1}
	}
	velocity := (current.Overall - prev.Overall) / timeDelta

	acceleration := 0.0
	if len(history) >= 3 {
		prev2 := history[len(history)-3]
		timeDelta2 := float64(prev.Timestamp-prev2.Timestamp) / 3600.0
		if timeDelta2 > 0 {
			prevVelocity := (prev.Overall - prev2.Overall) / timeDelta2
			acceleration = (velocity - prevVelocity) / timeDelta
		}
	}

	projected := current.Overall + velocity*24 + 0.5*acceleration*24*24
	projected = clamp(projected)

	var ttf time.Duration = -1
	if velocity < 0 && th.Floor > 0 {
		headroom := current.Overall - th.Floor
		if headroom > 0 {
			ttf = time.Duration(headroom / -velocity * float64(time.Hour))
		} else {
			ttf = 0
		}
	}

	var alerts []string
	if th.Velocity > 0 && velocity < -th.Velocity {
		alerts = append(alerts, fmt.Sprintf("[CRITICAL] SCORE DROP: health falling %.1f points per hour", -velocity))
	}
	if th.Acceleration > 0 && acceleration < -th.Acceleration {
		alerts = append(alerts, fmt.Sprintf("[WARNING] SCORE ACCELERATION: decline accelerating (%.1f/h²)", acceleration))
	}
	if ttf >= 0 && ttf < 24*time.Hour {
		alerts = append(alerts, fmt.Sprintf("[CRITICAL] FLOOR BREACH: score below %.0f in %s", th.Floor, ttf.Round(time.Minute)))
	}

	return Trend{
		Current:      current.Overall,
		Velocity:     velocity,
		Acceleration: acceleration,
		Projected24h: projected,
		TimeToFloor:  ttf,
		Alerts:       alerts,
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
