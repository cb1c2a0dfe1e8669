package main

import "fmt"

func printUsage() {
	fmt.Printf(`%s - OKX candle feed and order execution CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    backfill    Load a historical candle range, archive it and export CSV
    live        Follow the live candle feed until interrupted
    order       Place an order clamped to the exchange price limit
    status      Show the exchange state of an order
    balance     Show the free and total balance of a currency
    export      Write archived candles to CSV
    gaps        List missing bars in the candle archive

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Backfill one day of BTC/USDT candles into a CSV file
    %s backfill --from 2024-03-01 --to 2024-03-02 --out btc.csv

    # Warm up with the last 100 bars, then follow the live feed
    %s live --warmup 100

    # Buy 0.01 BTC at no more than the exchange buy limit
    %s order --side buy --size 0.01 --price 62000

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s (YAML or JSON, path overridable with OKX_CONFIG_FILE)
    - A .env file in the working directory
    - Environment variables: OKX_* (e.g., OKX_NETWORK, OKX_SYMBOL, OKX_API_KEY)

    exchange.network must be "test-net" or "main-net".

`, AppName, Version, AppName, AppName, AppName, AppName, ConfigFile)
}

func printCommandHelp(command string) {
	switch command {
	case "backfill":
		fmt.Printf(`USAGE:
    %s backfill --from TIME [--to TIME] [--page-size N] [--out FILE]

OPTIONS:
    --from, -f       Start of the range, inclusive (YYYY-MM-DD, RFC3339 or epoch ms)
    --to, -t         End of the range, exclusive (default: now)
    --page-size      Candles per request (default: feed.page_size)
    --out, -o        CSV destination, "-" for stdout
`, AppName)
	case "live":
		fmt.Printf(`USAGE:
    %s live [--warmup N]

OPTIONS:
    --warmup, -w     Backfill the most recent N bars before polling
`, AppName)
	case "order":
		fmt.Printf(`USAGE:
    %s order --side buy|sell --size N [--price P] [--type limit|market] [--no-wait]

OPTIONS:
    --side, -s       Order side
    --size           Order size in base currency
    --price, -p      Limit price, clamped to the exchange limit on every attempt
    --type           limit (default) or market
    --no-wait        Return after submission instead of waiting for a terminal state
`, AppName)
	case "status":
		fmt.Printf(`USAGE:
    %s status --id ORDER_ID [--symbol SYMBOL]
`, AppName)
	case "balance":
		fmt.Printf(`USAGE:
    %s balance [--currency CCY]
`, AppName)
	case "export":
		fmt.Printf(`USAGE:
    %s export --from TIME [--to TIME] [--out FILE]

Reads from the candle archive written by earlier backfill or live runs;
storage.type must be duckdb (a memory archive is empty in a new process).
`, AppName)
	case "gaps":
		fmt.Printf(`USAGE:
    %s gaps --from TIME [--to TIME]

Reads from the candle archive written by earlier backfill or live runs;
storage.type must be duckdb (a memory archive is empty in a new process).
`, AppName)
	default:
		fmt.Printf("Unknown command '%s'\n\n", command)
		printUsage()
	}
}
