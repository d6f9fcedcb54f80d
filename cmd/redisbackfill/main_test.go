package main

import (
	"reflect"
	"testing"
)

func TestOldestFirstReversesOrder(t *testing.T) {
	newest := []string{"c", "b", "a"}
	got := oldestFirst(newest)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("oldestFirst(%v) = %v, want %v", newest, got, want)
	}
}

func TestOldestFirstEmpty(t *testing.T) {
	if got := oldestFirst(nil); len(got) != 0 {
		t.Fatalf("oldestFirst(nil) = %v, want empty", got)
	}
}
