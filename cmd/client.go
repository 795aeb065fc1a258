//go:build linux
// +build linux

// Command sockcli is a line-oriented interactive client: every input line is
// sent through a Conn and everything the peer sends back is printed as it
// arrives via the read callback.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/fzft/go-sock/log"
	"github.com/fzft/go-sock/sock"
)

const (
	histFileEnv     = "SOCKCLI_HISTFILE"
	histFileDefault = ".sockcli_history"
)

func main() {
	host := flag.String("h", "127.0.0.1", "server host")
	port := flag.Int("p", 7000, "server port")
	flag.Parse()

	if err := log.InitLogger(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	sa, err := sock.TCPSockaddr(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve %s: %v\n", addr, err)
		os.Exit(1)
	}

	fd, err := sock.TCPSocket(sa)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socket: %v\n", err)
		os.Exit(1)
	}

	c := sock.NewConn(fd, nil)
	if err := c.Connect(sa, func(c *sock.Conn) {
		fmt.Printf("connected to %s\n", c.RemoteAddrString())
	}); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer c.Close()

	c.OnRead(func(c *sock.Conn, available int) {
		data, err := c.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("server closed the connection")
				c.Close()
			}
			return
		}
		os.Stdout.Write(data)
	})

	if isatty.IsTerminal(os.Stdin.Fd()) {
		runInteractive(c, addr)
	} else {
		runPipe(c)
	}
}

func historyPath() string {
	if p := os.Getenv(histFileEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, histFileDefault)
}

func runInteractive(c *sock.Conn, addr string) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyPath()
	if histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}

	prompt := addr + "> "
	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			// io.EOF or an aborted prompt both end the session.
			break
		}
		if input == "quit" || input == "exit" {
			break
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if err := c.Write(input + "\n"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			break
		}
	}

	if histPath != "" {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}
}

func runPipe(c *sock.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := c.Write(scanner.Text() + "\n"); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
	}
}
