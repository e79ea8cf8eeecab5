package registry

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// tokenSource hands out process-wide monotonic tokens. Seeding from the
// wall clock keeps tokens of a restarted process above the old ones.
type tokenSource struct {
	start uint64
	last  atomic.Uint64
}

func newTokenSource(now time.Time) *tokenSource {
	ts := &tokenSource{start: uint64(now.UnixNano()) + 1}
	ts.last.Store(ts.start - 1)
	return ts
}

// next returns the next token
func (ts *tokenSource) next() uint64 {
	return ts.last.Add(1)
}

// issued reports whether token was handed out by this process
func (ts *tokenSource) issued(token uint64) bool {
	return token >= ts.start && token <= ts.last.Load()
}

// FormatID builds a connection or event id of the form <recipientID>_<token>
func FormatID(recipientID string, token uint64) string {
	return recipientID + "_" + strconv.FormatUint(token, 10)
}

// ParseID splits an id built by FormatID. The recipient part may itself
// contain underscores; the token is everything after the last one.
func ParseID(id string) (recipientID string, token uint64, ok bool) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	token, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], token, true
}
