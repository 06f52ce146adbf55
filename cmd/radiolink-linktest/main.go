// Command radiolink-linktest is an operator CLI that asks a running
// radiolinkd to probe one specific local radio link with a PING, bypassing
// the normal TX-selection fan-out across every link.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	flagControlSocket = pflag.String("control-socket", "/run/radiolink/control.sock", "unix socket path radiolinkd is listening on")
	flagLocalLink     = pflag.IntP("local-link", "l", -1, "local link id to probe (required)")
	flagTimeout       = pflag.Duration("timeout", 2*time.Second, "how long to wait for radiolinkd's reply")
)

func main() {
	pflag.Parse()

	if *flagLocalLink < 0 {
		fmt.Fprintln(os.Stderr, "radiolink-linktest: -l/--local-link is required")
		os.Exit(2)
	}

	conn, err := net.DialTimeout("unix", *flagControlSocket, *flagTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "radiolink-linktest: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(*flagTimeout))
	if _, err := fmt.Fprintf(conn, "PING %d\n", *flagLocalLink); err != nil {
		fmt.Fprintf(os.Stderr, "radiolink-linktest: send: %v\n", err)
		os.Exit(1)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "radiolink-linktest: read reply: %v\n", err)
		os.Exit(1)
	}
	reply = strings.TrimSpace(reply)

	fmt.Println(reply)
	if !strings.HasPrefix(reply, "OK") {
		os.Exit(1)
	}
}
