package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"github.com/omochice/lan-chat/internal/client"
	"github.com/omochice/lan-chat/internal/config"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var (
	statusStyle = color.New(color.FgYellow)
	fileStyle   = color.New(color.FgGreen)
	errorStyle  = color.New(color.FgRed)
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("Client terminated with error: %v", err)))
	}
	os.Exit(code)
}

func run() (int, error) {
	username := flag.String("username", "", "Username for chat")
	serverAddr := flag.String("server", "", "Server address (host:port or ws:// URL). Empty discovers the server on the LAN")
	envFile := flag.String("env", "", "Path to an env file (default .env)")
	flag.Parse()

	if *username == "" {
		return exitConfig, fmt.Errorf("username is required. Use -username flag")
	}
	cfg, err := config.LoadClient(*envFile)
	if err != nil {
		return exitConfig, err
	}
	if *serverAddr != "" {
		cfg.Server = *serverAddr
	}
	logger := logs.GetLoggerFromString(strings.ToUpper(cfg.LogLevel))

	codec, err := cfg.Codec()
	if err != nil {
		return exitConfig, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server == "" {
		fmt.Println(statusStyle.Render("Searching for a chat server..."))
	}
	discoverCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
	address, err := client.ResolveServer(discoverCtx, cfg.Server, cfg.DiscoveryAddr, cfg.Port)
	cancel()
	if err != nil {
		return exitRuntime, err
	}

	c, err := client.New(address, *username, codec, cfg.ChunkSize, cfg.DownloadDir, logger)
	if err != nil {
		return exitRuntime, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = c.Connect(dialCtx)
	cancel()
	if err != nil {
		return exitRuntime, err
	}
	defer c.Disconnect()

	fmt.Println(statusStyle.Render(fmt.Sprintf("Connected to %s as %s", address, *username)))
	fmt.Println("Type your messages, /file <path> to send a file, /files to list received files, 'quit' to exit:")

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		printEvents(c.Events())
	}()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case <-disconnected:
			return exitRuntime, fmt.Errorf("connection to %s lost", address)
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			if done := handleLine(c, line); done {
				return exitOK, nil
			}
		}
	}
}

// handleLine runs one line of user input and reports whether to quit.
func handleLine(c *client.Client, line string) bool {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
	case text == "quit" || text == "exit":
		return true
	case text == "/files":
		printFiles(os.Stdout, c.Received())
	case strings.HasPrefix(text, "/file "):
		path := strings.TrimSpace(strings.TrimPrefix(text, "/file "))
		if err := c.SendFile(path); err != nil {
			fmt.Println(errorStyle.Render(fmt.Sprintf("Failed to send file: %v", err)))
			return false
		}
		fmt.Println(fileStyle.Render("Sent " + path))
	default:
		if err := c.SendMessage(text); err != nil {
			fmt.Println(errorStyle.Render(fmt.Sprintf("Failed to send message: %v", err)))
		}
	}
	return false
}

func printEvents(events <-chan client.Event) {
	for ev := range events {
		switch ev.Kind {
		case client.EventMessage:
			fmt.Println(ev.Text)
		case client.EventFile:
			fmt.Println(fileStyle.Render(fmt.Sprintf("Received %s (%d bytes) saved to %s", ev.File.Name, ev.File.Size, ev.File.Path)))
		case client.EventStatus:
			fmt.Println(statusStyle.Render(fmt.Sprintf("%s: %v", ev.Text, ev.Err)))
		case client.EventDisconnected:
			fmt.Println(errorStyle.Render("Disconnected from server"))
		}
	}
}

func printFiles(w io.Writer, files []client.ReceivedFile) {
	if len(files) == 0 {
		fmt.Fprintln(w, statusStyle.Render("No files received yet"))
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Size", "Type", "Received", "Path"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, f := range files {
		table.Append([]string{
			f.Name,
			fmt.Sprint(f.Size),
			f.MimeType,
			f.At.Format(time.TimeOnly),
			f.Path,
		})
	}
	table.Render()
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Error reading input: %v", err)))
	}
}
