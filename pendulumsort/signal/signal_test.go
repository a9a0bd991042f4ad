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

package signal

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		line        string
		isTriggerPE bool
		want        Edge
	}{
		{"OCCH1:1", false, TriggerRising},
		{"junk OCCH1:1 junk", false, TriggerRising},
		{"010501#", true, TriggerRising},
		{"010501#", false, Unknown},
		{"OCCH2:1", false, SortRising},
		{"OCCH1:0", false, Low},
		{"OCCH2:0", false, Low},
		{"garbage", false, Unknown},
	}
	for _, c := range cases {
		if got := Classify(c.line, c.isTriggerPE); got != c.want {
			t.Errorf("Classify(%q, %v) = %v, want %v", c.line, c.isTriggerPE, got, c.want)
		}
	}
}

func TestSplit(t *testing.T) {
	got := Split([]byte("OCCH1:1\r\nOCCH2:1\r\n\r\nOCCH1:0\n"))
	want := []string{"OCCH1:1", "OCCH2:1", "OCCH1:0"}
	if len(got) != len(want) {
		t.Fatalf("Split() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Split()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestProcessDebounce(t *testing.T) {
	d := New(30 * time.Millisecond)
	base := time.Unix(0, 0)

	_, accepted := d.Process("P1", "OCCH2:1", false, base)
	if !accepted {
		t.Fatalf("first rising edge should be accepted")
	}
	_, accepted = d.Process("P1", "OCCH2:1", false, base.Add(15*time.Millisecond))
	if accepted {
		t.Fatalf("second rising edge within debounce window should be dropped")
	}
	_, accepted = d.Process("P1", "OCCH2:1", false, base.Add(40*time.Millisecond))
	if !accepted {
		t.Fatalf("rising edge past debounce window should be accepted")
	}
}

func TestProcessLowNeverUpdatesDebounceClock(t *testing.T) {
	d := New(30 * time.Millisecond)
	base := time.Unix(0, 0)

	d.Process("P1", "OCCH2:1", false, base)
	d.Process("P1", "OCCH2:0", false, base.Add(5*time.Millisecond))
	_, accepted := d.Process("P1", "OCCH2:1", false, base.Add(20*time.Millisecond))
	if accepted {
		t.Fatalf("low-level event must not reset the debounce clock")
	}
}

func TestProcessPerDeviceIndependent(t *testing.T) {
	d := New(30 * time.Millisecond)
	base := time.Unix(0, 0)
	d.Process("P1", "OCCH2:1", false, base)
	_, accepted := d.Process("P2", "OCCH2:1", false, base.Add(1*time.Millisecond))
	if !accepted {
		t.Fatalf("debounce must be tracked per device, not globally")
	}
}
