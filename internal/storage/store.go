// Package storage persists per-iteration experiment history.
package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/copyleftdev/paramopt/internal/optimization"
)

// ErrNotInitialized is returned when a store is used before Init.
var ErrNotInitialized = errors.New("storage: store not initialized")

// IterationRecord is one driver iteration of one experiment run.
type IterationRecord struct {
	RunID     string                 `json:"run_id"`
	Iteration int                    `json:"iteration"`
	Candidate optimization.Candidate `json:"candidate"`
	Score     float64                `json:"score"`
	Cached    bool                   `json:"cached"`
	Best      float64                `json:"best"`
	Elapsed   time.Duration          `json:"elapsed"`
}

// HistoryStore records iterations and reads them back in iteration order.
type HistoryStore interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, rec IterationRecord) error
	History(ctx context.Context, runID string) ([]IterationRecord, error)
	Runs(ctx context.Context) ([]string, error)
	Close() error
}

// WriteCSV writes records as CSV, one column per parameter in names order
// followed by score, cached, best and elapsed_ms.
func WriteCSV(w io.Writer, names []string, records []IterationRecord) error {
	cw := csv.NewWriter(w)
	header := append([]string{"iteration"}, names...)
	header = append(header, "score", "cached", "best", "elapsed_ms")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		row := make([]string, 0, len(header))
		row = append(row, strconv.Itoa(rec.Iteration))
		for _, name := range names {
			row = append(row, formatValue(rec.Candidate[name]))
		}
		row = append(row,
			strconv.FormatFloat(rec.Score, 'g', -1, 64),
			strconv.FormatBool(rec.Cached),
			strconv.FormatFloat(rec.Best, 'g', -1, 64),
			strconv.FormatInt(rec.Elapsed.Milliseconds(), 10),
		)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func sortRecords(records []IterationRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Iteration < records[j].Iteration
	})
}
