package main

import (
	"bufio"
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"keyhaven.net/dht"
)

const DhtCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = dht.Logger()
}

func main() {
	usage := `DHT record demo.

The create node makes a schema-constrained record and writes terminal
input to it. The join node opens the same record from the shared key
file, inspects it with retry, watches for changes, and reads on demand.

Usage:
    dhtctl create [--listen=<address>] [--key-file=<path>] [--verbose]
    dhtctl join --peer=<url> [--key-file=<path>] [--verbose]

Options:
    --listen=<address>  Sync listen address [default: 127.0.0.1:8090].
    --peer=<url>        Peer sync url, e.g. ws://127.0.0.1:8090/sync.
    --key-file=<path>   Credential exchange file [default: owner_keys.txt].
    -v --verbose        Log node updates to stderr.
    -h --help           Show this screen.
    --version           Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DhtCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, _ := opts.Bool("--verbose"); verbose {
		dht.GlobalLogLevel = dht.LogLevelDebug
	}

	keyFilePath, _ := opts.String("--key-file")
	exchange := dht.NewFileCredentialExchange(keyFilePath)

	if create, _ := opts.Bool("create"); create {
		listenAddress, _ := opts.String("--listen")
		if err := runCreateNode(listenAddress, exchange); err != nil {
			Err.Fatalf("create node error = %s", err)
		}
	} else if join, _ := opts.Bool("join"); join {
		peerUrl, _ := opts.String("--peer")
		if err := runJoinNode(peerUrl, exchange); err != nil {
			Err.Fatalf("join node error = %s", err)
		}
	}
}

func newNode(ctx context.Context, namespace string, listenAddress string) (*dht.Node, error) {
	settings := dht.DefaultNodeSettings()
	settings.ProgramName = "dhtctl"
	settings.Namespace = namespace
	settings.ListenAddress = listenAddress
	node, err := dht.NewNode(ctx, settings)
	if err != nil {
		return nil, err
	}
	logUpdates(node)
	return node, nil
}

// mirrors node updates to the leveled logger. silent unless --verbose
func logUpdates(node *dht.Node) {
	updateLog := dht.SubLogFn(dht.LogLevelDebug, dht.LogFn(dht.LogLevelInfo, "dhtctl"), "update")
	node.AddUpdateCallback(func(update dht.Update) {
		switch v := update.(type) {
		case *dht.AttachmentChangeUpdate:
			updateLog("attachment %s", v.State)
		case *dht.RouteChangeUpdate:
			updateLog("route %s active=%t", v.PeerUrl, v.Active)
		case *dht.ValueChangeUpdate:
			updateLog("value %s subkey=%d seq=%d", v.Key, v.Subkey, v.Seq)
		default:
			updateLog("%s", update.UpdateKind())
		}
	})
}

// reads stdin lines into a channel so input can be selected
// against shutdown signals
func stdinLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- scanner.Text():
			}
		}
	}()
	return lines
}

func runCreateNode(listenAddress string, exchange dht.CredentialExchange) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := newNode(ctx, "dhtctl-create", listenAddress)
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Attach(); err != nil {
		return err
	}
	Out.Printf("Waiting for full attachment...")
	if err := node.WaitAttached(ctx); err != nil {
		return err
	}
	Out.Printf("Fully attached")

	rc := node.RoutingContext()

	owner, err := dht.GenerateKeyPair(dht.KindKDX0)
	if err != nil {
		return err
	}

	// two creator-only subkeys plus two subkeys for the owner member
	schema := dht.NewSchema(2, dht.SchemaMember{
		MemberId:    owner.MemberId(),
		SubkeyCount: 2,
	})
	if err := schema.Validate(); err != nil {
		return err
	}

	handle, err := rc.CreateRecord(ctx, dht.KindKDX0, schema, owner)
	if err != nil {
		return err
	}
	defer handle.Release()

	Out.Printf("Owner = %s", owner)
	Out.Printf("RecordKey = %s", handle.Key())

	if err := exchange.Publish(&dht.Credentials{
		Writer:    owner,
		RecordKey: handle.Key(),
	}); err != nil {
		return err
	}
	Out.Printf("Owner keys published")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	lines := stdinLines(ctx)

	// the member range starts after the two exclusive subkeys
	subkey := 2

	Out.Printf("")
	Out.Printf("(You can now run the join node in a second console)")
	Out.Printf("Type text and press ENTER to write to the record")
	Out.Printf("Or press Ctrl+C to exit")
	Out.Printf("")

	for {
		select {
		case <-sigs:
			Out.Printf("Shutting down...")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			seq, err := handle.SetValue(ctx, subkey, []byte(line))
			if err != nil {
				Err.Printf("set value error = %s", err)
				continue
			}
			Out.Printf("Wrote to subkey %d (seq %d): %s", subkey, seq, line)
			Out.Printf("")
		}
	}
}

func runJoinNode(peerUrl string, exchange dht.CredentialExchange) error {
	credentials, err := exchange.Fetch()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := newNode(ctx, "dhtctl-join", "")
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Attach(); err != nil {
		return err
	}
	node.AddPeer(peerUrl)

	Out.Printf("Join node waiting for attachment...")
	if err := node.WaitAttached(ctx); err != nil {
		return err
	}
	Out.Printf("Join node ready")

	rc := node.RoutingContext()

	handle, err := rc.OpenRecord(ctx, credentials.RecordKey, credentials.Writer)
	if err != nil {
		return err
	}
	defer handle.Release()

	Out.Printf("Opened record: %s", handle.Key())
	Out.Printf("Waiting for the record to become routable...")

	report, err := handle.RetryInspect(ctx, dht.ScopeSyncGet)
	if err != nil {
		return err
	}
	Out.Printf("Inspection complete: seqs=%v fully_replicated=%t", report.SubkeySeqs, report.IsFullyReplicated)

	subscription, err := handle.Watch(ctx, nil)
	if err != nil {
		return err
	}
	Out.Printf("Watch active: %s", subscription.SubscriptionId())
	Out.Printf("")

	go func() {
		for event := range subscription.Events() {
			Out.Printf("[watch] subkey %d changed (seq %d)", event.Subkey, event.Seq)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	lines := stdinLines(ctx)

	Out.Printf("Press ENTER to read/re-read the record")
	Out.Printf("Press Ctrl+C to exit")
	Out.Printf("")

	for {
		select {
		case <-sigs:
			Out.Printf("Shutting down...")
			return nil
		case _, ok := <-lines:
			if !ok {
				return nil
			}
			Out.Printf("Reading the record...")
			for subkey := 0; subkey < handle.Descriptor().Schema.TotalSubkeys(); subkey += 1 {
				value, err := handle.GetValue(ctx, subkey, false)
				if err != nil {
					Err.Printf("get value error = %s", err)
					continue
				}
				if value == nil {
					Out.Printf("[read] subkey %d: <no data>", subkey)
				} else {
					Out.Printf("[read] subkey %d: %s", subkey, string(value.Data))
				}
			}
			Out.Printf("")
			Out.Printf("Press ENTER to refresh, Ctrl+C to exit")
			Out.Printf("")
		}
	}
}
