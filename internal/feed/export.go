package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

// CSVTimeLayout is the datetime format used in exported files.
const CSVTimeLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"datetime", "open", "high", "low", "close", "volume", "openinterest"}

// WriteCSV writes candles with the columns
// datetime,open,high,low,close,volume,openinterest. Datetimes are rendered in
// loc (UTC when nil) and openinterest is always 0.
func WriteCSV(w io.Writer, candles []models.Candle, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	record := make([]string, len(csvHeader))
	for _, c := range candles {
		record[0] = c.Time().In(loc).Format(CSVTimeLayout)
		record[1] = c.Open.String()
		record[2] = c.High.String()
		record[3] = c.Low.String()
		record[4] = c.Close.String()
		record[5] = c.Volume.String()
		record[6] = "0"
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write candle %d: %w", c.TimestampMs, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
