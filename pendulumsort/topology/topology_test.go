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

package topology

import "testing"

func TestSingleTopology(t *testing.T) {
	s := NewSingle("default")
	for _, chute := range []int{1, 2} {
		pe, ok := s.PEForSlot(chute)
		if !ok || pe != "default" {
			t.Errorf("PEForSlot(%d) = %q, %v, want default, true", chute, pe, ok)
		}
	}
	if _, ok := s.PEForSlot(99); ok {
		t.Errorf("chute 99 should be straight-through")
	}
	if !s.SlotBelongsToPE(1, "default") {
		t.Errorf("chute 1 should belong to default")
	}
}

func TestMultiTopology(t *testing.T) {
	m := NewMulti([]string{"P1", "P2", "P3"})
	want := map[int]string{1: "P1", 2: "P1", 3: "P2", 4: "P2", 5: "P3", 6: "P3"}
	for chute, expect := range want {
		pe, ok := m.PEForSlot(chute)
		if !ok || pe != expect {
			t.Errorf("PEForSlot(%d) = %q, %v, want %q, true", chute, pe, ok, expect)
		}
	}
	if _, ok := m.PEForSlot(7); ok {
		t.Errorf("chute 7 has no owning PE in a 3-PE topology")
	}
	if _, ok := m.PEForSlot(0); ok {
		t.Errorf("chute 0 is straight-through")
	}
	if !m.SlotBelongsToPE(3, "P2") {
		t.Errorf("chute 3 should belong to P2")
	}
	if m.SlotBelongsToPE(3, "P1") {
		t.Errorf("chute 3 should not belong to P1")
	}
}
