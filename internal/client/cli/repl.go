package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL dispatches to.
type execIface interface {
	Get(ctx context.Context, args []string) error
	Set(ctx context.Context, args []string) error
	Status(ctx context.Context, args []string) error
	Conflicts(ctx context.Context, args []string) error
	Resolve(ctx context.Context, args []string) error
	Sync(ctx context.Context, args []string) error
	Devices(ctx context.Context, args []string) error
	Revoke(ctx context.Context, args []string) error
	Export(ctx context.Context, args []string) error
}

const helpText = `Available commands:
  get [key]                      show settings or one value
  set key=value [key=value ...]  change settings (values are JSON, else strings)
  status                         show sync status
  conflicts                      list unresolved conflicts
  resolve <id> local|remote      keep one side of a conflict
  resolve <id> key=value ...     settle a conflict with chosen values
  sync                           flush queued writes and refresh
  devices                        list registered devices
  revoke <device-id>             revoke a device
  export [file]                  upload a snapshot, print its URL, optionally save it
  exit | quit                    leave the program`

// runREPL reads commands from scanner until EOF, "exit" or "quit". Command
// errors are printed and the loop continues.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("sync (%s) > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var err error
		switch cmd {
		case "help":
			printlnFn(helpText)
		case "get":
			err = a.Get(ctx, args)
		case "set":
			err = a.Set(ctx, args)
		case "status":
			err = a.Status(ctx, args)
		case "conflicts":
			err = a.Conflicts(ctx, args)
		case "resolve":
			err = a.Resolve(ctx, args)
		case "sync":
			err = a.Sync(ctx, args)
		case "devices":
			err = a.Devices(ctx, args)
		case "revoke":
			err = a.Revoke(ctx, args)
		case "export":
			err = a.Export(ctx, args)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}
		if err != nil {
			printlnFn("Error:", err)
		}
	}
}
