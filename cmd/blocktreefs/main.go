// Command blocktreefs is a small command-line front end for one
// container file: it creates, reads, writes, resizes, and removes blobs
// addressed by their root BlockId. Grounded on the teacher's turdb CLI -
// a flag-parsed global config followed by a small command dispatch
// table, writing results to stdout and errors to stderr, no external CLI
// framework.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"blocktree/pkg/blockid"
	"blocktree/pkg/blockstore"
	"blocktree/pkg/config"
	"blocktree/pkg/treestore"
)

const defaultBlockSizeBytes = 32 * 1024

const configSuffix = ".config"

type command struct {
	usage string
	run   func(ctx context.Context, store *treestore.Store, args []string) error
}

var commands = map[string]command{
	"create": {
		usage: "create",
		run:   runCreate,
	},
	"write": {
		usage: "write <root> <offset> <file>",
		run:   runWrite,
	},
	"read": {
		usage: "read <root> <offset> <len>",
		run:   runRead,
	},
	"resize": {
		usage: "resize <root> <n>",
		run:   runResize,
	},
	"stat": {
		usage: "stat <root>",
		run:   runStat,
	},
	"rm": {
		usage: "rm <root>",
		run:   runRemove,
	},
}

func main() {
	containerPath := flag.String("container", "blocktree.db", "path to the container file")
	password := flag.String("password", "", "password protecting the container's outer config")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	cmdName, rest := args[0], args[1:]

	if cmdName == "init" {
		if err := runInit(*containerPath, *password); err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmdName)
		printUsage()
		os.Exit(2)
	}

	ctx := context.Background()
	bs, err := blockstore.Open(*containerPath, defaultBlockSizeBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening container: %v\n", err)
		os.Exit(1)
	}

	store, err := treestore.New(bs, defaultBlockSizeBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	runErr := cmd.run(ctx, store, rest)
	if err := store.Destroy(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("flushing container: %w", err)
	}
	if err := bs.Close(ctx); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing container: %w", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmdName, runErr)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: blocktreefs [-container path] [-password pw] <command> [args...]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  init")
	for _, name := range []string{"create", "write", "read", "resize", "stat", "rm"} {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[name].usage)
	}
}

// runInit creates a fresh container file and writes an encrypted outer
// config describing it alongside the container at <path>.config.
func runInit(containerPath, password string) error {
	if _, err := os.Stat(containerPath); err == nil {
		return fmt.Errorf("%s already exists", containerPath)
	}
	ctx := context.Background()
	bs, err := blockstore.Open(containerPath, defaultBlockSizeBytes)
	if err != nil {
		return err
	}
	if err := bs.Flush(ctx); err != nil {
		bs.Close(ctx)
		return err
	}
	if err := bs.Close(ctx); err != nil {
		return err
	}

	inner := make([]byte, 4)
	binary.LittleEndian.PutUint32(inner, defaultBlockSizeBytes)
	outer, err := config.Encrypt(inner, []byte(password))
	if err != nil {
		return err
	}
	return os.WriteFile(containerPath+configSuffix, outer, 0o600)
}

func runCreate(ctx context.Context, store *treestore.Store, args []string) error {
	tr, err := store.CreateTree(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tr.RootID())
	return nil
}

func runWrite(ctx context.Context, store *treestore.Store, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: write <root> <offset> <file>")
	}
	id, err := blockid.FromHex(args[0])
	if err != nil {
		return err
	}
	var offset uint64
	if _, err := fmt.Sscanf(args[1], "%d", &offset); err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[1], err)
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return err
	}

	tr, err := store.LoadTree(ctx, id)
	if err != nil {
		return err
	}
	if tr == nil {
		return fmt.Errorf("no blob rooted at %s", id)
	}

	needed := offset + uint64(len(data))
	current, err := tr.NumBytes(ctx)
	if err != nil {
		return err
	}
	if needed > current {
		if err := tr.ResizeNumBytes(ctx, needed); err != nil {
			return err
		}
	}
	return tr.WriteBytes(ctx, data, offset)
}

func runRead(ctx context.Context, store *treestore.Store, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: read <root> <offset> <len>")
	}
	id, err := blockid.FromHex(args[0])
	if err != nil {
		return err
	}
	var offset uint64
	var length int
	if _, err := fmt.Sscanf(args[1], "%d", &offset); err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[1], err)
	}
	if _, err := fmt.Sscanf(args[2], "%d", &length); err != nil {
		return fmt.Errorf("invalid length %q: %w", args[2], err)
	}

	tr, err := store.LoadTree(ctx, id)
	if err != nil {
		return err
	}
	if tr == nil {
		return fmt.Errorf("no blob rooted at %s", id)
	}

	buf := make([]byte, length)
	n, err := tr.TryReadBytes(ctx, offset, buf)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf[:n])
	return err
}

func runResize(ctx context.Context, store *treestore.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: resize <root> <n>")
	}
	id, err := blockid.FromHex(args[0])
	if err != nil {
		return err
	}
	var n uint64
	if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
		return fmt.Errorf("invalid size %q: %w", args[1], err)
	}

	tr, err := store.LoadTree(ctx, id)
	if err != nil {
		return err
	}
	if tr == nil {
		return fmt.Errorf("no blob rooted at %s", id)
	}
	return tr.ResizeNumBytes(ctx, n)
}

func runStat(ctx context.Context, store *treestore.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: stat <root>")
	}
	id, err := blockid.FromHex(args[0])
	if err != nil {
		return err
	}
	tr, err := store.LoadTree(ctx, id)
	if err != nil {
		return err
	}
	if tr == nil {
		return fmt.Errorf("no blob rooted at %s", id)
	}
	size, err := tr.NumBytes(ctx)
	if err != nil {
		return err
	}
	nodes, err := tr.NumNodes(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("root: %s\nsize: %d bytes\nnodes: %d\nblock size: %d bytes\n",
		id, size, nodes, store.VirtualBlockSizeBytes())
	return nil
}

func runRemove(ctx context.Context, store *treestore.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm <root>")
	}
	id, err := blockid.FromHex(args[0])
	if err != nil {
		return err
	}
	res, err := store.RemoveTreeByID(ctx, id)
	if err != nil {
		return err
	}
	if res == treestore.RemoveNotFound {
		return fmt.Errorf("no blob rooted at %s", id)
	}
	return nil
}
