// Command streamtest pushes data through every adapter in the module against
// the in-memory host runtime. It is a manual smoke test: it exits zero only
// when every item comes out the far end in order.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jhump/webstream"
	"github.com/jhump/webstream/internal/hosttest"
)

func main() {
	items := flag.Int("items", 1000, "the number of items to push through each stream")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt := hosttest.NewRuntime()

	// First a plain round trip: Go source in, host stream, Go source out.
	rs, err := webstream.ReadableStreamFrom(rt, countingSource(*items))
	if err != nil {
		log.Fatal(err)
	}
	src, err := rs.AsSource()
	if err != nil {
		log.Fatal(err)
	}
	n, err := drain(ctx, src)
	if err != nil {
		log.Fatal(err)
	}
	if n != *items {
		log.Fatalf("Round trip produced %d items, want %d.", n, *items)
	}
	log.Printf("Round-tripped %d items through a readable stream.", n)

	// Then a full pipeline: readable, transform, writable.
	rs, err = webstream.ReadableStreamFrom(rt, countingSource(*items))
	if err != nil {
		log.Fatal(err)
	}
	ts, err := webstream.TransformStreamFrom(rt, webstream.Transformer{
		Transform: func(_ context.Context, chunk any, c webstream.TransformController) error {
			return c.Enqueue(strings.ToUpper(chunk.(string)))
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	sink := &checkingSink{}
	ws, err := webstream.WritableStreamFrom(rt, sink)
	if err != nil {
		log.Fatal(err)
	}
	if err := rs.PipeThrough(ts, webstream.PipeOptions{}).PipeTo(ctx, ws); err != nil {
		log.Fatal(err)
	}
	if sink.count != *items || !sink.closed {
		log.Fatalf("Pipe delivered %d items (closed=%v), want %d.", sink.count, sink.closed, *items)
	}
	log.Printf("Piped %d items through a transform into a sink.", sink.count)

	// Finally tee: both branches must see the whole sequence.
	rs, err = webstream.ReadableStreamFrom(rt, countingSource(*items))
	if err != nil {
		log.Fatal(err)
	}
	b1, b2, err := rs.Tee()
	if err != nil {
		log.Fatal(err)
	}
	for i, branch := range []*webstream.ReadableStream{b1, b2} {
		src, err := branch.AsSource()
		if err != nil {
			log.Fatal(err)
		}
		n, err := drain(ctx, src)
		if err != nil {
			log.Fatal(err)
		}
		if n != *items {
			log.Fatalf("Tee branch %d produced %d items, want %d.", i, n, *items)
		}
	}
	log.Printf("Both tee branches saw %d items.", *items)

	// Success!
}

func itemText(i int) string {
	return fmt.Sprintf("item-%d", i)
}

// countingSource yields itemText(0) through itemText(n-1), then io.EOF.
func countingSource(n int) webstream.Source {
	i := 0
	return webstream.SourceFunc(func(context.Context) (any, error) {
		if i == n {
			return nil, io.EOF
		}
		v := itemText(i)
		i++
		return v, nil
	})
}

// drain consumes src to the end, verifying the items arrive in order, and
// returns how many it saw.
func drain(ctx context.Context, src webstream.Source) (int, error) {
	n := 0
	for {
		v, err := src.Next(ctx)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if want := itemText(n); v != want {
			return n, fmt.Errorf("item %d: got %v, want %v", n, v, want)
		}
		n++
	}
}

// checkingSink verifies each delivered item is the upper-cased itemText for
// its position.
type checkingSink struct {
	count  int
	closed bool
}

func (s *checkingSink) Ready(context.Context) error { return nil }

func (s *checkingSink) Write(_ context.Context, item any) error {
	want := strings.ToUpper(itemText(s.count))
	if item != want {
		return fmt.Errorf("item %d: got %v, want %v", s.count, item, want)
	}
	s.count++
	return nil
}

func (s *checkingSink) Close(context.Context) error {
	s.closed = true
	return nil
}
