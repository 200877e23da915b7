// Command cleaker is the CLI for a running ledger deployment.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/cleaker-dev/cleaker-ledger/pkg/sdk"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	ctx := context.Background()
	client, err := sdk.Discover(ctx)
	if err != nil {
		log.Fatalf("Failed to reach ledger: %v", err)
	}

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	switch command {
	case "APPEND":
		if len(args) < 1 {
			log.Fatal("Usage: cleaker APPEND <json-payload>")
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
			log.Fatalf("Payload must be a JSON object: %v", err)
		}
		out, err := client.Append(ctx, payload)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "BLOCKS":
		q := sdk.BlockQuery{}
		if len(args) > 0 {
			if strings.HasPrefix(args[0], "@") {
				q.Selector = args[0]
			} else if n, err := strconv.Atoi(args[0]); err == nil {
				q.Limit = n
			}
		}
		out, err := client.Blocks(ctx, q)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "RESOLVE":
		if len(args) < 1 {
			log.Fatal("Usage: cleaker RESOLVE <dotted.path>")
		}
		value, err := client.Resolve(ctx, args[0])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(value)

	case "CLAIM":
		if len(args) < 3 {
			log.Fatal("Usage: cleaker CLAIM <username> <identityHash> <publicKey>")
		}
		if err := client.ClaimUser(ctx, args[0], args[1], args[2]); err != nil {
			log.Fatal(err)
		}
		fmt.Println("OK")

	case "USER":
		if len(args) < 1 {
			log.Fatal("Usage: cleaker USER <username>")
		}
		out, err := client.GetUser(ctx, args[0])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "ENROLL":
		if len(args) < 2 {
			log.Fatal("Usage: cleaker ENROLL <username> <template-json>")
		}
		var template any
		if err := json.Unmarshal([]byte(args[1]), &template); err != nil {
			log.Fatalf("Template must be JSON: %v", err)
		}
		out, err := client.EnrollFace(ctx, args[0], template)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "MATCH":
		if len(args) < 2 {
			log.Fatal("Usage: cleaker MATCH <username> <probe-json> [threshold]")
		}
		var probe []float64
		if err := json.Unmarshal([]byte(args[1]), &probe); err != nil {
			log.Fatalf("Probe must be a JSON number array: %v", err)
		}
		var threshold *float64
		if len(args) > 2 {
			t, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				log.Fatalf("Invalid threshold: %v", err)
			}
			threshold = &t
		}
		out, err := client.MatchFace(ctx, args[0], probe, threshold, "")
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "BOOTSTRAP":
		out, err := client.Bootstrap(ctx)
		if err != nil {
			log.Fatal(err)
		}
		printJSON(out)

	case "SYNC":
		if len(args) < 1 {
			log.Fatal("Usage: cleaker SYNC <destination-origin>")
		}
		dst, err := sdk.Connect(args[0])
		if err != nil {
			log.Fatal(err)
		}
		copied, err := syncBlocks(ctx, client, dst)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Copied %d blocks\n", copied)

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

// syncBlocks replays every payload from the source deployment's feed
// into the destination, oldest first so the destination's fold sees
// the same write order. Destination blocks get fresh ids and
// timestamps; the payloads are what carry the semantics.
func syncBlocks(ctx context.Context, src sdk.LedgerReader, dst sdk.LedgerWriter) (int, error) {
	feed, err := src.Blocks(ctx, sdk.BlockQuery{})
	if err != nil {
		return 0, err
	}

	copied := 0
	for i := len(feed.Blocks) - 1; i >= 0; i-- {
		var payload map[string]any
		if err := json.Unmarshal([]byte(feed.Blocks[i].JSON), &payload); err != nil {
			continue // unreadable payload, skip
		}
		if _, err := dst.Append(ctx, payload); err != nil {
			return copied, fmt.Errorf("append to destination: %w", err)
		}
		copied++
	}
	return copied, nil
}

func printUsage() {
	fmt.Println("Cleaker CLI - interface for a cleaker ledger deployment")
	fmt.Println("\nUsage:")
	fmt.Println("  cleaker APPEND <json-payload>")
	fmt.Println("  cleaker BLOCKS [@selector | limit]")
	fmt.Println("  cleaker RESOLVE <dotted.path>")
	fmt.Println("  cleaker CLAIM <username> <identityHash> <publicKey>")
	fmt.Println("  cleaker USER <username>")
	fmt.Println("  cleaker ENROLL <username> <template-json>")
	fmt.Println("  cleaker MATCH <username> <probe-json> [threshold]")
	fmt.Println("  cleaker BOOTSTRAP")
	fmt.Println("  cleaker SYNC <destination-origin>")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  CLEAKER_ORIGIN    Base URL of the ledger (default: http://localhost:8161)")
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
