package feed

import "context"

// Source refills a Buffer on demand. The Adapter calls Fill whenever the
// buffer is empty.
//
// Poller is the live source. HistoricalSource replays a fixed range one page
// per call and reports Exhausted when the range is done.
type Source interface {
	// Fill fetches once and returns the number of candles accepted.
	Fill(ctx context.Context) int
	// Exhausted reports that Fill will never produce more data.
	Exhausted() bool
	Name() string
}
