package main

import (
	"fmt"
	"os"
)

const usage = `usage: admin <command> [flags]

commands:
  chunks list|show|stat   inspect a chunk store offline
  events                  print the chunk event log
  dump                    fetch the live debug dump from a server
  ticket                  add or remove a debug ticket on a server`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "chunks":
		err = chunksCmd(os.Args[2:])
	case "events":
		err = eventsCmd(os.Args[2:])
	case "dump":
		err = dumpCmd(os.Args[2:])
	case "ticket":
		err = ticketCmd(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "admin:", err)
		os.Exit(1)
	}
}
