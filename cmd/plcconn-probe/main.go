// Command plcconn-probe is a small demo CLI that connects to an echo-style
// TCP listener using the layerfix fixture stack, sends a handful of
// requests through the registry-managed Conn, and prints round-trip
// latency and the final metrics snapshot. It exists to exercise
// plc.Registry/plc.Conn end to end against a real socket, not to ship a
// real PLC dialect.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-plc/conn/plc"
	"github.com/go-plc/conn/plc/attr"
	"github.com/go-plc/conn/plc/layerfix"
	"github.com/go-plc/conn/plc/queue"
	"github.com/go-plc/conn/plc/socket"
)

func main() {
	var (
		gateway = flag.String("gateway", "127.0.0.1:44818", "host:port of an echo-style TCP listener")
		path    = flag.String("path", "1,0", "routing path attribute")
		count   = flag.Int("count", 10, "number of requests to send")
		verbose = flag.Bool("v", false, "verbose (debug-level) logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	registry := plc.NewRegistry()
	defer registry.Close()

	attribs := attr.New(map[string]string{
		"gateway": *gateway,
		"path":    *path,
	})

	cfg := plc.Config{
		Logger: logger,
		NewSocket: func() socket.Socket {
			return socket.NewTCP(30 * time.Second)
		},
	}

	conn, err := registry.Get("echofix", attribs, cfg, func(c *plc.Conn, a attr.Attribs) (int, error) {
		// Layers() returns outermost-first; push innermost-first so the
		// framing layer ends up at the head, matching layerfix.NewStack.
		layers := layerfix.NewStack().Layers()
		for i := len(layers) - 1; i >= 0; i-- {
			c.Stack().Push(layers[i])
		}
		return 44818, nil
	})
	if err != nil {
		log.Fatalf("plc.Get: %v", err)
	}
	defer registry.Release(conn)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nreceived shutdown signal")
		os.Exit(0)
	}()

	var wg sync.WaitGroup
	for i := 0; i < *count; i++ {
		wg.Add(1)
		sent := time.Now()
		n := i
		req := &queue.Request{}
		req.Build = func(buf []byte, start, end *int) error {
			msg := fmt.Sprintf("ping-%d", n)
			if *end-*start < len(msg) {
				return queue.ErrTooSmall
			}
			copy(buf[*start:], msg)
			*end = *start + len(msg)
			return nil
		}
		req.Process = func(buf []byte, start, end int) error {
			defer wg.Done()
			fmt.Printf("request %d: %q (rtt %s)\n", n, string(buf[start:end]), time.Since(sent))
			return nil
		}

		if err := conn.StartRequest(req); err != nil {
			log.Printf("start_request %d: %v", n, err)
			wg.Done()
			continue
		}
	}

	wg.Wait()

	snap := conn.Metrics().Snapshot()
	fmt.Printf("\nmetrics: sent=%d matched=%d dropped=%d connects=%d reconnects=%d avg_latency=%s\n",
		snap.RequestsSent, snap.ResponsesMatched, snap.ResponsesDropped,
		snap.Connects, snap.Reconnects, time.Duration(snap.AvgLatencyNs))
}
