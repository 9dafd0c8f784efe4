package amqp

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pithecene-io/shuttle/source"
)

// recorder is an amqp.Acknowledger that records outcomes per tag.
type recorder struct {
	acked    []uint64
	rejected []uint64
}

func (r *recorder) Ack(tag uint64, _ bool) error {
	r.acked = append(r.acked, tag)
	return nil
}

func (r *recorder) Nack(tag uint64, _ bool, _ bool) error {
	r.rejected = append(r.rejected, tag)
	return nil
}

func (r *recorder) Reject(tag uint64, _ bool) error {
	r.rejected = append(r.rejected, tag)
	return nil
}

func TestDecodeDeliveries(t *testing.T) {
	ack := &recorder{}
	filter, err := source.NewFilter([]string{".h5"})
	if err != nil {
		t.Fatal(err)
	}
	deliveries := []amqp.Delivery{
		{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`{"relative_path":"run1","filename":"a.h5"}`)},
		{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{{{`)},
		{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`"run1/b.log"`)},
	}

	events := decodeDeliveries(deliveries, "/data", filter, nil)
	if len(events) != 1 || events[0].Filename != "a.h5" || events[0].SourcePath != "/data" {
		t.Fatalf("events = %+v", events)
	}
	// Filtered notifications are still acknowledged; malformed ones are rejected.
	if len(ack.acked) != 2 || ack.acked[0] != 1 || ack.acked[1] != 3 {
		t.Errorf("acked = %v, want [1 3]", ack.acked)
	}
	if len(ack.rejected) != 1 || ack.rejected[0] != 2 {
		t.Errorf("rejected = %v, want [2]", ack.rejected)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(t.Context(), source.Config{}, nil); err == nil {
		t.Error("expected error without URL")
	}
}
