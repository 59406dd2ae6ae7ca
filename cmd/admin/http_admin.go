package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"voxelcraft.ai/chunksys/internal/transport/debug"
)

func dumpCmd(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8089", "server debug base url")
	x := fs.String("x", "", "holder x (with -z: dump one holder)")
	z := fs.String("z", "", "holder z")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/debug/chunks"
	if *x != "" || *z != "" {
		u = strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/debug/holder?x=" + *x + "&z=" + *z
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	return printResponse(resp)
}

func ticketCmd(args []string) error {
	fs := flag.NewFlagSet("ticket", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8089", "server debug base url")
	op := fs.String("op", "add", "add or remove")
	typ := fs.String("type", "debug", "ticket type")
	x := fs.Int("x", 0, "chunk x")
	z := fs.Int("z", 0, "chunk z")
	level := fs.Int("level", 33, "ticket level")
	id := fs.Int64("id", 0, "ticket id")
	_ = fs.Parse(args)

	body, err := json.Marshal(debug.TicketRequest{Op: *op, Type: *typ, X: int32(*x), Z: int32(*z), Level: *level, ID: *id})
	if err != nil {
		return err
	}
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/debug/tickets"
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Post(u, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(os.Stdout, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
