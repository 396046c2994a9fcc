package tui

import (
	"fmt"
	"strings"
	"time"
)

// Activity shows backend traffic as a row of dots that light up on every
// event and fade over the following seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

const activityDots = 5

func (a *Activity) OnEvent(at time.Time) {
	a.dots = activityDots
	a.lastEvent = at
}

// Decay fades the dots based on the time since the last event.
func (a *Activity) Decay(now time.Time) {
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	switch {
	case elapsed > 10*time.Second:
		a.dots = 0
	case elapsed > 8*time.Second:
		a.dots = 1
	case elapsed > 6*time.Second:
		a.dots = 2
	case elapsed > 4*time.Second:
		a.dots = 3
	case elapsed > 2*time.Second:
		a.dots = 4
	}
}

func (a Activity) Dots() int { return a.dots }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityDots {
		if i < a.dots {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

// cycleDots renders progress through the work sessions before a long break.
func cycleDots(done, interval int, theme Theme) string {
	if interval <= 0 {
		return ""
	}
	var b strings.Builder
	for i := range interval {
		if i < done {
			b.WriteString(theme.Highlight.Render("●"))
		} else {
			b.WriteString(theme.Dim.Render("○"))
		}
	}
	return b.String()
}

// formatClock renders seconds as mm:ss.
func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
