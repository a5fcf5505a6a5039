// Command kprodcat reads newline-delimited values from stdin and produces
// each as a record to a configured topic, one line per call to Send.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/brokatoa/kprod/pkg/kprod"
)

func main() {
	var (
		brokers     = flag.String("brokers", "127.0.0.1:9092", "comma-separated bootstrap servers")
		topic       = flag.String("topic", "", "topic to produce to")
		acks        = flag.Int("acks", 1, "required acks: 0, 1, or -1")
		compression = flag.String("compression", "", "compression type: gzip, snappy, lz4, or empty for none")
		linger      = flag.Duration("linger", 0, "linger delay, e.g. 50ms")
		verbose     = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *topic == "" {
		fmt.Fprintln(os.Stderr, "kprodcat: -topic is required")
		os.Exit(2)
	}

	level := kprod.LogLevelWarn
	if *verbose {
		level = kprod.LogLevelDebug
	}

	cl, err := kprod.New(
		kprod.BootstrapServers(strings.Split(*brokers, ",")...),
		kprod.Acks(int16(*acks)),
		kprod.CompressionType(*compression),
		kprod.LingerMs(*linger),
		kprod.WithLogger(kprod.NewBasicLogger(level)),
	)
	if err != nil {
		log.Fatalf("kprodcat: configure: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := cl.Start(ctx); err != nil {
		cancel()
		log.Fatalf("kprodcat: start: %v", err)
	}
	cancel()

	scanner := bufio.NewScanner(os.Stdin)
	var handles []kprod.Completion
	for scanner.Scan() {
		line := scanner.Bytes()
		value := make([]byte, len(line))
		copy(value, line)

		sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
		h, err := cl.Send(sendCtx, kprod.Record{Topic: *topic, Value: value})
		sendCancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "kprodcat: send: %v\n", err)
			continue
		}
		handles = append(handles, h)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("kprodcat: read stdin: %v", err)
	}

	for _, h := range handles {
		meta, err := h.Get()
		if err != nil {
			fmt.Fprintf(os.Stderr, "kprodcat: delivery failed: %v\n", err)
			continue
		}
		fmt.Printf("%s[%d]@%d\n", meta.Topic, meta.Partition, meta.Offset)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := cl.Close(closeCtx); err != nil {
		log.Fatalf("kprodcat: close: %v", err)
	}
}
