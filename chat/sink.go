package chat

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Delivery is one message handed from a worker to the output sink.
type Delivery struct {
	ConnID string
	Text   string
	At     time.Time
}

// Sink receives the messages read by workers. Implementations used directly
// by workers must be safe for concurrent use; SerialSink makes any Sink so.
type Sink interface {
	Deliver(d Delivery)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(d Delivery)

func (f SinkFunc) Deliver(d Delivery) { f(d) }

// SerialSink funnels deliveries from many workers through a channel to a
// single goroutine that owns the wrapped sink.
type SerialSink struct {
	out  Sink
	ch   chan Delivery
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSerialSink starts the owner goroutine. buffer is the channel capacity.
func NewSerialSink(out Sink, buffer int) *SerialSink {
	s := &SerialSink{
		out:  out,
		ch:   make(chan Delivery, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *SerialSink) run() {
	defer close(s.done)
	for {
		select {
		case d := <-s.ch:
			s.out.Deliver(d)
		case <-s.quit:
			for {
				select {
				case d := <-s.ch:
					s.out.Deliver(d)
				default:
					return
				}
			}
		}
	}
}

// Deliver queues d, blocking while the buffer is full. Deliveries after Close
// are dropped.
func (s *SerialSink) Deliver(d Delivery) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.ch <- d:
	case <-s.quit:
	}
}

// Close flushes queued deliveries and stops the owner goroutine. Call it once
// every producer has returned.
func (s *SerialSink) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// ConsoleSink prints one line per message. It is not safe for concurrent use
// on its own; wrap it in a SerialSink.
type ConsoleSink struct {
	w       io.Writer
	palette []*color.Color
}

// NewConsoleSink writes to w, in color when w is a terminal.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	c := &ConsoleSink{w: w}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		for _, attr := range []color.Attribute{color.FgCyan, color.FgGreen, color.FgYellow, color.FgMagenta, color.FgBlue} {
			cl := color.New(attr)
			cl.EnableColor()
			c.palette = append(c.palette, cl)
		}
	}
	return c
}

func (c *ConsoleSink) Deliver(d Delivery) {
	if len(c.palette) == 0 {
		fmt.Fprintln(c.w, d.Text)
		return
	}
	h := fnv.New32a()
	h.Write([]byte(d.ConnID))
	c.palette[int(h.Sum32()%uint32(len(c.palette)))].Fprintln(c.w, d.Text)
}
