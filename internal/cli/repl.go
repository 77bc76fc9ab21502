package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for REPL output.
var printlnFn = fmt.Println

// execIface is the command surface runREPL dispatches to. App satisfies it.
type execIface interface {
	isUnlocked() bool
	Unlock(ctx context.Context, args []string) error
	Lock(ctx context.Context, args []string) error
	Providers(ctx context.Context, args []string) error
	Connect(ctx context.Context, args []string) error
	Disconnect(ctx context.Context, args []string) error
	Create(ctx context.Context, args []string) error
	List(ctx context.Context, args []string) error
	Open(ctx context.Context, args []string) error
	Save(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	Sync(ctx context.Context, args []string) error
	Conflicts(ctx context.Context, args []string) error
	Status(ctx context.Context, args []string) error
}

// runREPL reads commands from reader and dispatches them to a until EOF,
// "exit" or "quit", or until ctx is cancelled.
//
//	Locked:
//	  - help, unlock, providers, status, exit | quit
//
//	Unlocked, additionally:
//	  - lock                          - forget the master key
//	  - connect | disconnect <p>      - manage a provider
//	  - create <p> [title]            - create a note
//	  - list | ls [p]                 - list notes
//	  - open | cat <id>               - print a note
//	  - save <id>                     - replace a note's content
//	  - delete | rm <id>              - delete a note
//	  - sync [p]                      - reconcile with the cloud
//	  - conflicts [dismiss <id>]      - list or drop kept local copies
//
// Handler errors are already reported to the user; the loop keeps going.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("notesync %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			if a.isUnlocked() {
				printlnFn("Available commands: providers, connect, disconnect, create, (ls) list, (cat) open, save, (rm) delete, sync, conflicts, status, lock, exit")
			} else {
				printlnFn("Available commands: unlock, providers, status, exit")
			}

		case "unlock":
			_ = a.Unlock(ctx, args)
		case "lock":
			_ = a.Lock(ctx, args)
		case "providers":
			_ = a.Providers(ctx, args)
		case "status":
			_ = a.Status(ctx, args)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		case "connect", "disconnect", "create", "list", "ls", "open", "cat", "save", "delete", "rm", "sync", "conflicts":
			if !a.isUnlocked() {
				printlnFn("Vault is locked. Type 'unlock' first.")
				continue
			}
			dispatch(ctx, a, cmd, args)

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

func dispatch(ctx context.Context, a execIface, cmd string, args []string) {
	switch cmd {
	case "connect":
		_ = a.Connect(ctx, args)
	case "disconnect":
		_ = a.Disconnect(ctx, args)
	case "create":
		_ = a.Create(ctx, args)
	case "list", "ls":
		_ = a.List(ctx, args)
	case "open", "cat":
		_ = a.Open(ctx, args)
	case "save":
		_ = a.Save(ctx, args)
	case "delete", "rm":
		_ = a.Delete(ctx, args)
	case "sync":
		_ = a.Sync(ctx, args)
	case "conflicts":
		_ = a.Conflicts(ctx, args)
	}
}
