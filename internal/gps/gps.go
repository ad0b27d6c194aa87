// Package gps converts between UTC and GPS time, as used by the
// DeviceTimeReq / DeviceTimeAns mac-commands.
package gps

import "time"

// Epoch is the start of the GPS time-scale.
var Epoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leapSeconds holds the UTC instants after which a leap second was inserted.
var leapSeconds = []time.Time{
	time.Date(1981, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1982, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1983, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1985, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1987, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1989, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1990, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1992, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1993, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1994, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1995, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1997, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1998, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2005, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2008, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2012, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2015, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2016, time.December, 31, 23, 59, 59, 0, time.UTC),
}

// SinceEpoch returns the duration between the GPS epoch and t, including the
// leap seconds.
func SinceEpoch(t time.Time) time.Duration {
	d := t.Sub(Epoch)
	for _, ls := range leapSeconds {
		if ls.Before(t) {
			d += time.Second
		}
	}
	return d
}

// FromSinceEpoch returns the UTC time for the given duration since the GPS
// epoch.
func FromSinceEpoch(d time.Duration) time.Time {
	t := Epoch.Add(d)
	for _, ls := range leapSeconds {
		if ls.Before(t) {
			t = t.Add(-time.Second)
		}
	}
	return t
}

// DeviceTime returns the GPS time of t as whole seconds (wrapping at 2^32)
// and 1/256 second fractions.
func DeviceTime(t time.Time) (uint32, uint8) {
	d := SinceEpoch(t)
	secs := d / time.Second
	frac := (d - secs*time.Second) * 256 / time.Second
	return uint32(secs), uint8(frac)
}
