package server

import (
	"fmt"
	"slices"
	"time"

	"heartbeatd/internal/store"
)

type graphView struct {
	Recent   *recentView
	Calendar []calendarDay
}

// recentView places the latest beats of every device on one shared axis
// running from the oldest shown beat to now.
type recentView struct {
	Devices []deviceRow
	Days    []dayLabel
	Ticks   []float64
}

type deviceRow struct {
	Name  string
	Beats []beatMark
}

type beatMark struct {
	Pos float64
	At  time.Time
}

type dayLabel struct {
	Pos   float64
	Label string
}

// calendarDay is one row of the absence calendar: a UTC day and the parts
// of absences that overlap it.
type calendarDay struct {
	Day      time.Time
	Segments []segment
}

type segment struct {
	Left, Width, Right     float64
	Start, End             time.Time
	StartsToday, EndsToday bool
	Title                  string
}

const day = 24 * time.Hour

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(day)
}

func buildRecent(beats []store.Beat, devices []store.Device, now time.Time) *recentView {
	if len(beats) == 0 {
		return nil
	}

	oldest := slices.MinFunc(beats, func(a, b store.Beat) int {
		return a.Timestamp.Compare(b.Timestamp)
	}).Timestamp
	span := now.Sub(oldest).Seconds()
	pos := func(t time.Time) float64 {
		if span <= 0 {
			return 0
		}
		return 100 * t.Sub(oldest).Seconds() / span
	}

	v := &recentView{}
	for d := startOfDay(oldest); !d.After(now); d = d.Add(day) {
		v.Days = append(v.Days, dayLabel{Pos: max(pos(d), 0), Label: d.Format("01/02")})
		for h := 0; h < 24; h += 6 {
			tick := d.Add(time.Duration(h) * time.Hour)
			if tick.After(oldest) && tick.Before(now) {
				v.Ticks = append(v.Ticks, pos(tick))
			}
		}
	}

	byDevice := make(map[int64][]beatMark, len(devices))
	for _, b := range beats {
		byDevice[b.DeviceID] = append(byDevice[b.DeviceID], beatMark{Pos: pos(b.Timestamp), At: b.Timestamp})
	}
	for _, d := range devices {
		v.Devices = append(v.Devices, deviceRow{Name: d.Name, Beats: byDevice[d.ID]})
	}
	return v
}

func buildCalendar(absences []store.Absence) []calendarDay {
	if len(absences) == 0 {
		return nil
	}

	first := absences[0].Start()
	last := absences[0].EndTimestamp
	for _, a := range absences[1:] {
		if s := a.Start(); s.Before(first) {
			first = s
		}
		if a.EndTimestamp.After(last) {
			last = a.EndTimestamp
		}
	}

	pos := func(t, d time.Time) float64 {
		return 100 * t.Sub(d).Seconds() / day.Seconds()
	}

	var days []calendarDay
	for d := startOfDay(last); !d.Before(startOfDay(first)); d = d.Add(-day) {
		next := d.Add(day)
		row := calendarDay{Day: d}

		for _, a := range absences {
			start, end := a.Start(), a.EndTimestamp
			if !start.Before(next) || end.Before(d) {
				continue
			}
			segStart := start
			if segStart.Before(d) {
				segStart = d
			}
			segEnd := end
			if segEnd.After(next) {
				segEnd = next
			}
			row.Segments = append(row.Segments, segment{
				Left:        pos(segStart, d),
				Width:       pos(segEnd, segStart),
				Right:       pos(segEnd, d),
				Start:       start,
				End:         end,
				StartsToday: startOfDay(start).Equal(d),
				EndsToday:   startOfDay(end).Equal(d),
				Title:       fmt.Sprintf("From %s to %s of %s", formatDate(start), formatDate(end), FormatRelative(a.Duration)),
			})
		}

		slices.SortFunc(row.Segments, func(a, b segment) int { return a.Start.Compare(b.Start) })
		days = append(days, row)
	}
	return days
}
