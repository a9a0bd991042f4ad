/*
Copyright (c) The pendulumsort Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signalqueue

import (
	"testing"
	"time"
)

func TestConsumeDeliversInOrder(t *testing.T) {
	q := New()
	base := time.Unix(0, 0)
	q.Enqueue("pe1", base)
	q.Enqueue("pe2", base.Add(time.Millisecond))
	q.Enqueue("pe1", base.Add(2*time.Millisecond))
	q.Close()

	var got []Item
	q.Consume(func(it Item) { got = append(got, it) })

	if len(got) != 3 {
		t.Fatalf("got %d items, want 3", len(got))
	}
	want := []string{"pe1", "pe2", "pe1"}
	for i, pe := range want {
		if got[i].PE != pe {
			t.Fatalf("item %d PE = %q, want %q", i, got[i].PE, pe)
		}
	}
}

func TestConsumeReturnsAfterCloseDrains(t *testing.T) {
	q := New()
	done := make(chan struct{})
	go func() {
		q.Consume(func(Item) {})
		close(done)
	}()

	q.Enqueue("pe1", time.Now())
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Close drained the queue")
	}
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	q := New()
	q.Close()
	q.Enqueue("pe1", time.Now())

	var got []Item
	q.Consume(func(it Item) { got = append(got, it) })
	if len(got) != 0 {
		t.Fatalf("got %d items, want 0 (post-close enqueue should be dropped)", len(got))
	}
}

func TestConsumeBlocksUntilItemArrives(t *testing.T) {
	q := New()
	received := make(chan Item, 1)
	go q.Consume(func(it Item) {
		received <- it
		q.Close()
	})

	select {
	case <-received:
		t.Fatal("Consume delivered an item before any was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	q.Enqueue("pe1", time.Now())
	select {
	case it := <-received:
		if it.PE != "pe1" {
			t.Fatalf("PE = %q, want pe1", it.PE)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume never delivered the enqueued item")
	}
}
