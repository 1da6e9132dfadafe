package catalog

import "time"

// NewBatchID mints the monotonic timestamp fingerprint identifying one unit
// of ingested work: 14 digits of wall-clock time followed by 5 digits of
// tens-of-microseconds, 19 decimal digits total. The value is assigned when
// a new object or API result is first observed and travels unchanged through
// silver and gold.
func NewBatchID(t time.Time) int64 {
	const subSecond = int64(100000)

	var seconds int64

	for _, c := range t.Format("20060102150405") {
		seconds = seconds*10 + int64(c-'0')
	}

	return seconds*subSecond + int64(t.Nanosecond()/10000)
}
