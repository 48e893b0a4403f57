package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"

	"chainpad/backend/internal/ws"
)

const PadCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Pad control. Joins a pad through the relay as a regular peer.

The default relay url is ws://localhost:3004

Usage:
    padctl cat <pad> [options]
    padctl insert <pad> <offset> <text> [options]
    padctl delete <pad> <offset> <count> [options]
    padctl watch <pad> [options]

Options:
    -h --help          Show this screen.
    --version          Show version.
    --relay=<relay>    Relay base url [default: ws://localhost:3004].
    --name=<name>      Peer name, ignored when a token is given [default: padctl].
    --token=<token>    Access token issued by POST /tokens.
    --timeout=<t>      Give up waiting for the relay after this long [default: 10s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PadCtlVersion)
	if err != nil {
		panic(err)
	}
	// glog 读 flag，这里不带参数解析一次
	_ = flag.CommandLine.Parse(nil)

	if cat_, _ := opts.Bool("cat"); cat_ {
		cat(opts)
	} else if insert_, _ := opts.Bool("insert"); insert_ {
		insert(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		remove(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func connect(ctx context.Context, opts docopt.Opts) *ws.Peer {
	relay, _ := opts.String("--relay")
	pad, _ := opts.String("<pad>")
	name, _ := opts.String("--name")
	token, _ := opts.String("--token")

	q := url.Values{}
	q.Set("name", name)
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	u := strings.TrimRight(relay, "/") + "/pads/" + url.PathEscape(pad) + "/ws?" + q.Encode()

	peer, err := ws.Dial(ctx, u, ws.PeerOptions{Header: header, AutoSync: true})
	if err != nil {
		Err.Fatalf("dial %s: %v", u, err)
	}
	if err := peer.WaitSynced(ctx); err != nil {
		Err.Fatalf("sync %s: %v", pad, err)
	}
	return peer
}

func timeout(opts docopt.Opts) (context.Context, context.CancelFunc) {
	s, _ := opts.String("--timeout")
	d, err := time.ParseDuration(s)
	if err != nil {
		Err.Fatalf("timeout: %v", err)
	}
	return context.WithTimeout(context.Background(), d)
}

func cat(opts docopt.Opts) {
	ctx, cancel := timeout(opts)
	defer cancel()
	peer := connect(ctx, opts)
	defer peer.Close()
	if err := peer.WaitIdle(ctx); err != nil {
		Err.Fatalf("wait: %v", err)
	}
	Out.Print(peer.Engine().UserDoc())
}

func insert(opts docopt.Opts) {
	offset, err := opts.Int("<offset>")
	if err != nil {
		Err.Fatalf("offset: %v", err)
	}
	text, _ := opts.String("<text>")
	edit(opts, offset, 0, text)
}

func remove(opts docopt.Opts) {
	offset, err := opts.Int("<offset>")
	if err != nil {
		Err.Fatalf("offset: %v", err)
	}
	count, err := opts.Int("<count>")
	if err != nil {
		Err.Fatalf("count: %v", err)
	}
	edit(opts, offset, count, "")
}

// edit 在回放完历史的文档上做一次修改，等确认后退出
func edit(opts docopt.Opts, offset, toRemove int, toInsert string) {
	ctx, cancel := timeout(opts)
	defer cancel()
	peer := connect(ctx, opts)
	if err := peer.WaitIdle(ctx); err != nil {
		Err.Fatalf("wait: %v", err)
	}
	if err := peer.Engine().Change(offset, toRemove, toInsert); err != nil {
		Err.Fatalf("change: %v", err)
	}
	if err := peer.WaitIdle(ctx); err != nil {
		Err.Fatalf("wait ack: %v", err)
	}
	doc := peer.Engine().UserDoc()
	if err := peer.Close(); err != nil {
		Err.Fatalf("close: %v", err)
	}
	Out.Print(doc)
}

// watch 每次文档变化打印一次，直到连接断开
func watch(opts docopt.Opts) {
	ctx, cancel := timeout(opts)
	peer := connect(ctx, opts)
	cancel()
	defer peer.Close()

	changed := make(chan struct{}, 1)
	peer.Engine().OnPatch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	Out.Print(peer.Engine().UserDoc())
	for {
		select {
		case <-changed:
			Out.Printf("--- %s\n%s", time.Now().Format(time.RFC3339), peer.Engine().UserDoc())
		case <-peer.Done():
			if err := peer.Err(); err != nil {
				Err.Fatalf("disconnected: %v", err)
			}
			return
		}
	}
}
