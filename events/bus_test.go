package events

import (
	"bufio"
	"bytes"
	"image"
	"testing"

	"go.viam.com/test"

	"go.viam.com/posetrack/logging"
)

type skeleton struct {
	Positions [3][3]float32
	Tracked   [3]bool
}

var (
	skeletonTopic = NewTopic[skeleton]("Skeleton")
	lostTopic     = NewTopic[Empty]("NoPersonDetected")
	frameTopic    = NewTopic[image.Image]("ImageUpdated")
)

func TestPublishOrder(t *testing.T) {
	bus := NewBus(logging.NewTestLogger(t))
	var calls []string
	Subscribe(bus, lostTopic, func(Empty) { calls = append(calls, "first") })
	bus.SubscribeAll(func(ev Event) { calls = append(calls, "all:"+ev.Name) })
	Subscribe(bus, lostTopic, func(Empty) { calls = append(calls, "second") })
	Subscribe(bus, skeletonTopic, func(skeleton) { calls = append(calls, "skeleton") })

	Publish(bus, lostTopic, Empty{})
	test.That(t, calls, test.ShouldResemble, []string{"first", "second", "all:NoPersonDetected"})
}

func TestPublishCopiesPayload(t *testing.T) {
	bus := NewBus(logging.NewTestLogger(t))
	var got []skeleton
	Subscribe(bus, skeletonTopic, func(s skeleton) { got = append(got, s) })

	var scratch skeleton
	scratch.Positions[0] = [3]float32{1, 2, 3}
	scratch.Tracked[0] = true
	Publish(bus, skeletonTopic, scratch)

	scratch.Positions[0] = [3]float32{9, 9, 9}
	scratch.Tracked[0] = false
	Publish(bus, skeletonTopic, scratch)

	test.That(t, len(got), test.ShouldEqual, 2)
	test.That(t, got[0].Positions[0], test.ShouldResemble, [3]float32{1, 2, 3})
	test.That(t, got[0].Tracked[0], test.ShouldBeTrue)
	test.That(t, got[1].Positions[0], test.ShouldResemble, [3]float32{9, 9, 9})
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(logging.NewTestLogger(t))
	count, allCount := 0, 0
	sub := Subscribe(bus, lostTopic, func(Empty) { count++ })
	allSub := bus.SubscribeAll(func(Event) { allCount++ })
	test.That(t, bus.SubscriberCount("NoPersonDetected"), test.ShouldEqual, 1)

	Publish(bus, lostTopic, Empty{})
	test.That(t, bus.Unsubscribe(sub), test.ShouldBeTrue)
	test.That(t, bus.Unsubscribe(sub), test.ShouldBeFalse)
	test.That(t, bus.Unsubscribe(allSub), test.ShouldBeTrue)
	Publish(bus, lostTopic, Empty{})

	test.That(t, count, test.ShouldEqual, 1)
	test.That(t, allCount, test.ShouldEqual, 1)
	test.That(t, bus.SubscriberCount("NoPersonDetected"), test.ShouldEqual, 0)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	bus := NewBus(logger)
	reached := false
	Subscribe(bus, lostTopic, func(Empty) { panic("boom") })
	Subscribe(bus, lostTopic, func(Empty) { reached = true })

	Publish(bus, lostTopic, Empty{})
	test.That(t, reached, test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("event subscriber panicked").Len(), test.ShouldEqual, 1)
}

func TestReentrantPublish(t *testing.T) {
	bus := NewBus(logging.NewTestLogger(t))
	var order []string
	Subscribe(bus, frameTopic, func(image.Image) {
		order = append(order, "frame")
		Publish(bus, lostTopic, Empty{})
		Subscribe(bus, frameTopic, func(image.Image) { order = append(order, "late") })
	})
	Subscribe(bus, lostTopic, func(Empty) { order = append(order, "lost") })

	Publish[image.Image](bus, frameTopic, image.NewGray(image.Rect(0, 0, 1, 1)))
	test.That(t, order, test.ShouldResemble, []string{"frame", "lost"})
}

func TestCounter(t *testing.T) {
	bus := NewBus(logging.NewTestLogger(t))
	counter := NewCounter(bus)
	Publish(bus, lostTopic, Empty{})
	Publish(bus, lostTopic, Empty{})
	Publish(bus, skeletonTopic, skeleton{})
	test.That(t, counter.Count("NoPersonDetected"), test.ShouldEqual, 2)
	test.That(t, counter.Count("Skeleton"), test.ShouldEqual, 1)
	test.That(t, counter.Count("FaceDetected"), test.ShouldEqual, 0)
	test.That(t, counter.Snapshot(), test.ShouldResemble, map[string]int64{"NoPersonDetected": 2, "Skeleton": 1})

	counter.Close()
	Publish(bus, lostTopic, Empty{})
	test.That(t, counter.Count("NoPersonDetected"), test.ShouldEqual, 2)
}

func TestRecorder(t *testing.T) {
	bus := NewBus(logging.NewTestLogger(t))
	var buf bytes.Buffer
	rec := NewRecorder(bus, &buf)

	Publish[image.Image](bus, frameTopic, image.NewGray(image.Rect(0, 0, 640, 480)))
	Publish(bus, lostTopic, Empty{})
	var s skeleton
	s.Tracked[1] = true
	Publish(bus, skeletonTopic, s)
	test.That(t, rec.Count(), test.ShouldEqual, 3)
	test.That(t, rec.Close(), test.ShouldBeNil)
	Publish(bus, lostTopic, Empty{})

	var lines []map[string]any
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var line map[string]any
		test.That(t, json.Unmarshal(scanner.Bytes(), &line), test.ShouldBeNil)
		lines = append(lines, line)
	}
	test.That(t, len(lines), test.ShouldEqual, 3)
	test.That(t, lines[0]["event"], test.ShouldEqual, "ImageUpdated")
	test.That(t, lines[0]["payload"], test.ShouldResemble, map[string]any{"width": 640.0, "height": 480.0})
	test.That(t, lines[1]["event"], test.ShouldEqual, "NoPersonDetected")
	_, hasPayload := lines[1]["payload"]
	test.That(t, hasPayload, test.ShouldBeFalse)
	test.That(t, lines[2]["event"], test.ShouldEqual, "Skeleton")
	tracked := lines[2]["payload"].(map[string]any)["Tracked"]
	test.That(t, tracked, test.ShouldResemble, []any{false, true, false})
}
