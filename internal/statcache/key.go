package statcache

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the family of a cache key.
type Kind string

const (
	// KindPredictionList is the full prediction list for a day.
	KindPredictionList Kind = "predlist"
	// KindPrediction is a single game's prediction detail.
	KindPrediction Kind = "pred"
	// KindGameIDs is the list of game ids shown for a day.
	KindGameIDs Kind = "s_nos"
)

const dateLayout = "2006-01-02"

var kst = time.FixedZone("KST", 9*60*60)

// KST returns the Korea Standard Time location used for key dates.
func KST() *time.Location {
	return kst
}

var errMalformedKey = errors.New("malformed key")

// Query is a parsed cache key.
type Query struct {
	Kind   Kind
	Date   string
	GameID string
}

// Key renders the query back into its canonical key form.
func (q Query) Key() string {
	if q.Kind == KindPrediction {
		return fmt.Sprintf("%s:%s:%s", q.Kind, q.Date, q.GameID)
	}
	return fmt.Sprintf("%s:%s", q.Kind, q.Date)
}

// ParseKey validates key against the key grammar:
//
//	predlist:<YYYY-MM-DD>
//	pred:<YYYY-MM-DD>:<s_no>
//	s_nos:<YYYY-MM-DD>
//
// A malformed key yields an error satisfying errors.Is(err, ErrFetchFatal).
func ParseKey(key string) (Query, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 2 {
		return Query{}, malformed(key, "missing date")
	}
	q := Query{Kind: Kind(parts[0]), Date: parts[1]}
	if _, err := time.ParseInLocation(dateLayout, q.Date, kst); err != nil {
		return Query{}, malformed(key, "invalid date")
	}
	switch q.Kind {
	case KindPredictionList, KindGameIDs:
		if len(parts) != 2 {
			return Query{}, malformed(key, "unexpected segments")
		}
	case KindPrediction:
		if len(parts) != 3 {
			return Query{}, malformed(key, "missing game id")
		}
		if _, err := strconv.ParseUint(parts[2], 10, 64); err != nil {
			return Query{}, malformed(key, "game id must be numeric")
		}
		q.GameID = parts[2]
	default:
		return Query{}, malformed(key, "unknown kind")
	}
	return q, nil
}

func malformed(key, reason string) error {
	return FatalFailure(fmt.Errorf("%w %q: %s", errMalformedKey, key, reason), "parse key").Err
}

// TodayDate returns the KST calendar date containing now.
func TodayDate(now time.Time) string {
	return now.In(kst).Format(dateLayout)
}

// TodayKey builds the key for kind on the KST calendar day containing now.
// It is only meaningful for kinds without a game id.
func TodayKey(kind Kind, now time.Time) string {
	return Query{Kind: kind, Date: TodayDate(now)}.Key()
}

// LatestKey returns the key of the given kind with the most recent date.
func LatestKey(keys []string, kind Kind) (string, bool) {
	var candidates []Query
	for _, key := range keys {
		q, err := ParseKey(key)
		if err != nil || q.Kind != kind {
			continue
		}
		candidates = append(candidates, q)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Date != candidates[j].Date {
			return candidates[i].Date > candidates[j].Date
		}
		return candidates[i].GameID > candidates[j].GameID
	})
	return candidates[0].Key(), true
}
