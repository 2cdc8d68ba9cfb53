package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/k4Y53N/nanoServer/cli/render"
	"github.com/k4Y53N/nanoServer/ipc"
	"github.com/k4Y53N/nanoServer/types"
)

// SendCommand returns the send command: a one-shot debug client that sends
// a single message and prints the replies.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send one message to a running server and print the replies",
		ArgsUsage: "CMD",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Server address",
				Value: "127.0.0.1:5050",
			},
			&cli.StringSliceFlag{
				Name:  "set",
				Usage: "Message field KEY=VALUE; VALUE is parsed as JSON when it can be",
			},
			&cli.StringFlag{
				Name:  "expect",
				Usage: "Skip replies until one with this CMD arrives",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Number of replies to print",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long",
				Value: 5 * time.Second,
			},
		),
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("send requires exactly one CMD argument", exitConfig)
	}
	msg, err := buildMessage(c.Args().First(), c.StringSlice("set"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	replies, err := exchange(c.String("addr"), msg, c.String("expect"), c.Int("count"), c.Duration("timeout"))
	for _, reply := range replies {
		if rerr := r.Render(reply); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	return nil
}

// buildMessage assembles a message from a command and KEY=VALUE pairs.
func buildMessage(cmd string, pairs []string) (types.Message, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, errors.New("empty CMD")
	}
	msg := types.NewMessage(strings.ToUpper(cmd))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, want KEY=VALUE", pair)
		}
		if key == types.CommandKey {
			return nil, fmt.Errorf("--set cannot override %s", types.CommandKey)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		msg[key] = value
	}
	return msg, nil
}

// exchange sends msg and collects up to count replies. When expect is set,
// replies with any other CMD are skipped. A server that closes the
// connection ends the exchange without error.
func exchange(addr string, msg types.Message, expect string, count int, timeout time.Duration) ([]types.Message, error) {
	if count < 1 {
		count = 1
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	if err := ipc.NewFrameEncoder(conn).WriteMessage(msg); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	dec := ipc.NewFrameDecoder(conn)
	var replies []types.Message
	for len(replies) < count {
		reply, err := dec.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return replies, nil
			}
			return replies, fmt.Errorf("receive: %w", err)
		}
		if cmd, _ := reply.Command(); expect != "" && cmd != expect {
			continue
		}
		replies = append(replies, reply)
	}
	return replies, nil
}
