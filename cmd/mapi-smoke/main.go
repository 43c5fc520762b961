// Command mapi-smoke dials a MonetDB server, runs the login handshake,
// issues a single command, and prints the raw response. Not part of
// the module's public API: a manual smoke-test harness, mirroring the
// teacher's cmd/protocol_test.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/monetdb-go/mapi/pkg/mapi"
	"github.com/monetdb-go/mapi/pkg/target"
)

func main() {
	var (
		host     = flag.String("host", "localhost", "MonetDB server host")
		port     = flag.Int("port", 50000, "MonetDB server port")
		unixSock = flag.String("unix", "", "path to a Unix domain socket, overrides -host/-port")
		database = flag.String("db", "demo", "database name")
		user     = flag.String("user", "monetdb", "username")
		password = flag.String("password", "monetdb", "password")
		useTLS   = flag.Bool("tls", false, "wrap the connection in TLS")
		cmd      = flag.String("cmd", "sSELECT 1;", "command to issue once connected")
		timeout  = flag.Duration("timeout", 10*time.Second, "connect timeout")
	)
	flag.Parse()

	tg := target.New()
	tg.Host = *host
	tg.Port = *port
	tg.UnixSock = *unixSock
	tg.Database = *database
	tg.User = *user
	tg.Password = *password
	tg.UseTLS = *useTLS
	tg.ConnectTimeout = *timeout

	conn := mapi.NewConnection(tg)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Disconnect()

	resp, err := conn.Cmd(ctx, *cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmd: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(resp)
}
