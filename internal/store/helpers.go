package store

import (
	"strconv"

	"github.com/lib/pq"
)

// fmtArg appends a positional placeholder like " AND id > $3" without
// pulling in fmt.Sprintf at every call site.
func fmtArg(prefix string, n int) string {
	return prefix + strconv.Itoa(n)
}

// pqInt64Array adapts a Go []int64 for use with Postgres' ANY($N) array
// comparison via the lib/pq driver.
func pqInt64Array(ids []int64) *pq.Int64Array {
	arr := pq.Int64Array(ids)
	return &arr
}
