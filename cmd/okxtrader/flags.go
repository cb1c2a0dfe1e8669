package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-okx-trader/internal/models"
)

// usageError marks bad command line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// RangeFlags holds flags for the backfill and export commands
type RangeFlags struct {
	From     time.Time
	To       time.Time
	PageSize int
	Out      string
}

// LiveFlags holds flags for the live command
type LiveFlags struct {
	Warmup int
}

// OrderFlags holds flags for the order command
type OrderFlags struct {
	Side   models.Side
	Type   models.OrderType
	Size   decimal.Decimal
	Price  decimal.Decimal
	NoWait bool
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	ID     string
	Symbol string
}

// BalanceFlags holds flags for the balance command
type BalanceFlags struct {
	Currency string
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// flagValue returns the value following args[i].
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", usagef("%s requires a value", args[i])
	}
	return args[i+1], nil
}

// parseTime accepts a date, an RFC3339 timestamp or epoch milliseconds.
func parseTime(value string) (time.Time, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use YYYY-MM-DD, RFC3339 or epoch milliseconds", value)
}

// parseBackfillFlags parses --from, --to, --page-size and --out. --to
// defaults to now.
func parseBackfillFlags(args []string, now time.Time) (*RangeFlags, error) {
	flags := &RangeFlags{To: now.UTC()}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--from", "-f", "--to", "-t":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			t, err := parseTime(v)
			if err != nil {
				return nil, usagef("invalid %s: %v", args[i], err)
			}
			if args[i] == "--from" || args[i] == "-f" {
				flags.From = t
			} else {
				flags.To = t
			}
			i++
		case "--page-size":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, usagef("invalid page size %q", v)
			}
			flags.PageSize = n
			i++
		case "--out", "-o":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Out = v
			i++
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	if flags.From.IsZero() {
		return nil, usagef("--from is required")
	}
	return flags, nil
}

// parseLiveFlags parses --warmup.
func parseLiveFlags(args []string) (*LiveFlags, error) {
	flags := &LiveFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--warmup", "-w":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, usagef("invalid warmup %q", v)
			}
			flags.Warmup = n
			i++
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}

// parseOrderFlags parses --side, --size, --price, --type and --no-wait.
func parseOrderFlags(args []string) (*OrderFlags, error) {
	flags := &OrderFlags{Type: models.OrderTypeLimit}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--side", "-s":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Side = models.Side(strings.ToLower(v))
			i++
		case "--type":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Type = models.OrderType(strings.ToLower(v))
			i++
		case "--size", "--price", "-p":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, usagef("invalid %s %q", args[i], v)
			}
			if args[i] == "--size" {
				flags.Size = d
			} else {
				flags.Price = d
			}
			i++
		case "--no-wait":
			flags.NoWait = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	switch {
	case !flags.Side.IsValid():
		return nil, usagef("--side must be buy or sell")
	case !flags.Type.IsValid():
		return nil, usagef("--type must be limit or market")
	case !flags.Size.IsPositive():
		return nil, usagef("--size is required and must be positive")
	case flags.Type == models.OrderTypeLimit && !flags.Price.IsPositive():
		return nil, usagef("--price is required for limit orders")
	}
	return flags, nil
}

// parseStatusFlags parses --id and --symbol.
func parseStatusFlags(args []string, defaultSymbol string) (*StatusFlags, error) {
	flags := &StatusFlags{Symbol: defaultSymbol}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.ID = v
			i++
		case "--symbol":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Symbol = v
			i++
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	if flags.ID == "" {
		return nil, usagef("--id is required")
	}
	return flags, nil
}

// parseBalanceFlags parses --currency.
func parseBalanceFlags(args []string, defaultCurrency string) (*BalanceFlags, error) {
	flags := &BalanceFlags{Currency: defaultCurrency}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--currency", "-c":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			flags.Currency = strings.ToUpper(v)
			i++
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}
	return flags, nil
}
