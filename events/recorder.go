package events

import (
	"image"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type recordedImage struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type record struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Recorder writes every event published on a bus to w as one JSON object per line. Image payloads
// are recorded by their dimensions only.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	stream *jsoniter.Stream
	bus    *Bus
	sub    Subscription
	err    error
	count  int
}

// NewRecorder subscribes a recorder to every event on bus.
func NewRecorder(bus *Bus, w io.Writer) *Recorder {
	r := &Recorder{
		w:      w,
		stream: jsoniter.NewStream(json, w, 4096),
		bus:    bus,
	}
	r.sub = bus.SubscribeAll(r.record)
	return r
}

func (r *Recorder) record(ev Event) {
	payload := ev.Payload
	switch p := payload.(type) {
	case Empty:
		payload = nil
	case image.Image:
		b := p.Bounds()
		payload = recordedImage{Width: b.Dx(), Height: b.Dy()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	r.stream.WriteVal(record{Event: ev.Name, Time: ev.Time.UTC(), Payload: payload})
	r.stream.WriteRaw("\n")
	if err := r.stream.Flush(); err != nil {
		r.err = errors.Wrap(err, "write event record")
		return
	}
	if r.stream.Error != nil {
		r.err = errors.Wrap(r.stream.Error, "encode event record")
		return
	}
	r.count++
}

// Count returns the number of events written so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Err returns the first write error. Recording stops after an error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close unsubscribes the recorder and closes w if it is an io.Closer.
func (r *Recorder) Close() error {
	r.bus.Unsubscribe(r.sub)
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.err
	if closer, ok := r.w.(io.Closer); ok {
		err = multierr.Combine(err, closer.Close())
	}
	return err
}
