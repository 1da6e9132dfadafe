// Package pattern validates file names against catalog file patterns and
// renders output names. Patterns carry date tokens (YYYY, YYYYMM, YYYYMMDD)
// and a single * wildcard, or are raw regular expressions when the catalog
// row flags them static.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Date tokens recognized in file patterns, longest first so that YYYYMMDD
// is never consumed as YYYY + MMDD.
const (
	tokenDay   = "YYYYMMDD"
	tokenMonth = "YYYYMM"
	tokenYear  = "YYYY"
)

var tokenRegex = map[string]string{
	tokenDay:   "[0-9]{8}",
	tokenMonth: "[0-9]{6}",
	tokenYear:  "[0-9]{4}",
}

// Validate reports whether fileName matches filePattern. With static=false
// the date tokens expand to digit classes and a single * expands to ".*";
// with static=true the pattern is treated as a raw regular expression. The
// match is anchored at the start of the name, not the end.
func Validate(filePattern, fileName string, static bool) (bool, error) {
	expr := filePattern

	if !static {
		token, ok := firstToken(filePattern)
		if !ok {
			return false, nil
		}

		if before, after, found := strings.Cut(filePattern, "*"); found {
			expr = before + ".*" + strings.ReplaceAll(after, token, tokenRegex[token])
		} else {
			expr = strings.ReplaceAll(filePattern, token, tokenRegex[token])
		}
	}

	re, err := regexp.Compile("^" + expr)
	if err != nil {
		return false, fmt.Errorf("compiling file pattern %q: %w", filePattern, err)
	}

	return re.MatchString(fileName), nil
}

// Render expands the first date token found in name into the given date.
// Names without tokens come back unchanged.
func Render(name string, at time.Time) string {
	switch token, _ := firstToken(name); token {
	case tokenDay:
		return strings.ReplaceAll(name, tokenDay, at.Format("20060102"))
	case tokenMonth:
		return strings.ReplaceAll(name, tokenMonth, at.Format("200601"))
	case tokenYear:
		return strings.ReplaceAll(name, tokenYear, at.Format("2006"))
	default:
		return name
	}
}

func firstToken(pattern string) (string, bool) {
	for _, token := range []string{tokenDay, tokenMonth, tokenYear} {
		if strings.Contains(pattern, token) {
			return token, true
		}
	}

	return "", false
}

// Known date-format tags accepted by the "date" quality rule.
const (
	dateFormatISOOffset      = "%Y-%m-%dT%H:%M:%S+0000"
	dateFormatYear           = "%Y"
	dateFormatISOMilliOffset = "%Y-%m-%dT%H:%M:%S.%f+0000"
	dateFormatUS             = "MM/DD/YYYY"
	dateFormatSQL            = "YYYY-MM-DD HH24:MI:SS"
	dateFormatISOZulu        = "%Y-%m-%dT%H:%M:%S.000Z"
	dateFormatCompact        = "YYYYMMDD"
	dateFormatDotNet         = "yyyy-MM-dd HH:mm:ss.nnnnnnn {+|-}hh:mm"
)

var dateFormatRegex = map[string]string{
	dateFormatISOOffset:      `([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}\+[0-9]{4})`,
	dateFormatYear:           `([0-9]{4})`,
	dateFormatISOMilliOffset: `([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}.[0-9]{3}\+[0-9]{4})`,
	dateFormatUS:             `([0-9]{2}/[0-9]{2}/[0-9]{4})`,
	dateFormatSQL:            `([0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2})`,
	dateFormatISOZulu:        `([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}.[0-9]{3}Z)`,
	dateFormatCompact:        `([0-9]{4})([0-9]{2})([0-9]{2})`,
	dateFormatDotNet:         `([0-9]{4}-[0-9]{2}-[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}\.[0-9]{1,7}? [+-][0-9]{2}:[0-9]{2})`,
}

// DateRegex maps a date-format tag to its validation regex. Unknown tags
// fall back to the MM/DD/YYYY regex.
func DateRegex(formatTag string) string {
	if re, ok := dateFormatRegex[formatTag]; ok {
		return re
	}

	return dateFormatRegex[dateFormatUS]
}
