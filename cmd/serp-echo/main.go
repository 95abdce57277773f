// Command serp-echo is a small demo client built on pkg/client. Run it with
// no -to flag to act as an echo responder: every message it receives is
// bounced back to its sender, reliably. Run it with -to to act as a
// sender: it prints its own assigned id, then every -interval sends a
// message to -to (a comma-separated list of ids for multicast fan-out) and
// prints whatever comes back.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/snackerengine/serp/internal/logging"
	"github.com/snackerengine/serp/pkg/client"
)

// echoMessageType is the SMP application message type this demo uses for
// every message it sends; a real application would define its own set.
const echoMessageType = 2000

func main() {
	relayAddr := flag.String("relay", "127.0.0.1:33333", "address of the SERP relay")
	to := flag.String("to", "", "comma-separated destination client ids to send to (sender mode)")
	interval := flag.Duration("interval", time.Second, "how often to send in sender mode")
	safe := flag.Bool("safe", true, "use SAFE_SEND reliable delivery")
	flag.Parse()

	if err := logging.Init(&logging.Config{Level: "info", Format: "console"}); err != nil {
		panic(fmt.Sprintf("failed to initialize logging: %v", err))
	}

	c, err := client.Dial(*relayAddr, client.DefaultConfig())
	if err != nil {
		logging.Fatal("dial failed", zap.Error(err))
	}
	defer c.Close()

	logging.Info("connected to relay", zap.String("relay", *relayAddr), zap.Uint16("id", c.ID()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if *to != "" {
		runSender(c, parseDests(*to), *interval, *safe, stop)
		return
	}
	runResponder(c, *safe, stop)
}

func parseDests(s string) []uint16 {
	parts := strings.Split(s, ",")
	dests := make([]uint16, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			logging.Fatal("invalid -to id", zap.String("value", p), zap.Error(err))
		}
		dests = append(dests, uint16(n))
	}
	return dests
}

// runResponder drains every received message and bounces it straight back
// to its sender, demonstrating the basic Drain/Send round trip.
func runResponder(c *client.Client, safe bool, stop <-chan os.Signal) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logging.Info("responder shutting down")
			return
		case <-ticker.C:
			for _, msg := range c.Drain() {
				logging.Info("echoing message back", zap.Uint16("from", msg.From), zap.Int("bytes", len(msg.Payload)))
				if _, err := c.Send(msg.From, msg.Type, msg.Payload, safe); err != nil {
					logging.Error("echo send failed", zap.Error(err))
				}
			}
		}
	}
}

// runSender periodically sends a timestamped message to dests and logs
// whatever replies arrive in the meantime, demonstrating multicast fan-out
// and logging the message id of each reliable send.
func runSender(c *client.Client, dests []uint16, interval time.Duration, safe bool, stop <-chan os.Signal) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drainTicker := time.NewTicker(50 * time.Millisecond)
	defer drainTicker.Stop()

	for {
		select {
		case <-stop:
			logging.Info("sender shutting down")
			return
		case <-ticker.C:
			payload := []byte(fmt.Sprintf("ping from %d at %s", c.ID(), time.Now().Format(time.RFC3339Nano)))
			id, err := c.SendMulticast(dests, echoMessageType, payload, safe)
			if err != nil {
				logging.Error("send failed", zap.Error(err))
				continue
			}
			if safe {
				logging.Info("sent reliable ping", zap.Uint32("id", id), zap.Uint16s("to", dests))
			}
		case <-drainTicker.C:
			for _, msg := range c.Drain() {
				logging.Info("received reply", zap.Uint16("from", msg.From), zap.String("payload", string(msg.Payload)))
			}
		}
	}
}
